// Package lock provides the two locking primitives used by every on-disk
// store.
//
// Mutex orders goroutines inside one process: FIFO hand-off, a per-wait
// timeout, and a bounded wait queue. FileLock serializes processes on a
// single data file through an O_EXCL "<file>.lock" companion that is
// force-broken once its holder stops refreshing it.
//
// The two are complementary. A store takes the Mutex first and the FileLock
// second, so that goroutines queue fairly in-process and only one of them at
// a time contends for the file.
package lock
