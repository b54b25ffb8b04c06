// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock lets time-dependent code run against a controllable
// clock in tests.
//
// Components that poll, back off, or age cached data hold a Clock
// instead of calling the time package directly. Production wiring
// passes Real(). Tests pass Fake(), whose time moves only when the
// test calls Advance:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	cache := inbox.New(inbox.Options{Clock: fake, ...})
//	go cache.Run(ctx)
//	fake.WaitForTimers(1)       // the refresh loop registered its ticker
//	fake.Advance(time.Minute)   // fire it
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
