// Package mock provides test doubles shared by credwrap package tests.
//
// MockClock implements clock.Clock with manually advanced time so that
// circuit-breaker cooldowns, token-bucket refills and profile timestamps can
// be asserted deterministically.
//
// TokenEndpoint is an httptest-backed OAuth token endpoint whose responses
// can be scripted per request:
//
//	endpoint := mock.NewTokenEndpoint(mock.WithStatuses(503, 503), mock.WithRefreshRotation())
//	defer endpoint.Close()
//	// first two refreshes get 503, the third succeeds with a rotated refresh token
package mock
