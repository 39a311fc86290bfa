// Package profile stores OAuth client profiles and the record of which
// profile is current.
//
// Both files are shared by every credwrap process on the host, so every
// access follows the same sequence: create the file if missing, take the
// in-process lock, take the file lock, load and validate, mutate, write the
// file atomically with mode 0600, release. A missing or corrupt profile file
// reads as an empty store and individual invalid records are dropped on
// load.
//
// StateManager.SwitchTo updates two files. It writes the state file first
// and then stamps the profile's LastUsedAt; a failure of the second step
// restores the state file, and a failure of that restore is reported as
// errs.KindInconsistent.
package profile
