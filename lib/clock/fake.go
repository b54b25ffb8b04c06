// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only when Advance is called.
// It is safe for concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. A callback must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingTimer
	changed *sync.Cond
}

type pendingTimer struct {
	deadline time.Time

	// Exactly one of channel and callback is set.
	channel  chan time.Time
	callback func()

	// period is non-zero for tickers, which are rescheduled after
	// each firing instead of being removed.
	period time.Duration

	cancelled bool
}

// Fake returns a FakeClock reading start.
func Fake(start time.Time) *FakeClock {
	fake := &FakeClock{now: start}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// Now returns the fake time.
func (fake *FakeClock) Now() time.Time {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.now
}

// After registers a one-shot timer. A non-positive d fires before
// After returns and registers nothing.
func (fake *FakeClock) After(d time.Duration) <-chan time.Time {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- fake.now
		return channel
	}
	fake.addLocked(&pendingTimer{deadline: fake.now.Add(d), channel: channel})
	return channel
}

// AfterFunc registers f to run during the Advance call that crosses
// the deadline. A non-positive d runs f before AfterFunc returns.
func (fake *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}

	fake.mu.Lock()
	entry := &pendingTimer{deadline: fake.now.Add(d), callback: f}
	fake.addLocked(entry)
	fake.mu.Unlock()

	return &Timer{stop: func() bool { return fake.cancel(entry) }}
}

// NewTicker registers a periodic timer.
func (fake *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker called with non-positive interval")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()

	channel := make(chan time.Time, 1)
	entry := &pendingTimer{deadline: fake.now.Add(d), channel: channel, period: d}
	fake.addLocked(entry)

	return &Ticker{
		C:    channel,
		stop: func() { fake.cancel(entry) },
		reset: func(d time.Duration) {
			fake.mu.Lock()
			defer fake.mu.Unlock()
			entry.period = d
			entry.deadline = fake.now.Add(d)
			if entry.cancelled {
				entry.cancelled = false
				fake.addLocked(entry)
			}
		},
	}
}

// Advance moves time forward by d and fires every timer whose
// deadline is reached, earliest first. A ticker whose period fits
// several times into d fires once per period; ticks that find the
// channel full are dropped.
func (fake *FakeClock) Advance(d time.Duration) {
	fake.mu.Lock()
	fake.now = fake.now.Add(d)
	target := fake.now
	fake.mu.Unlock()

	for {
		entry, fireAt, ok := fake.popDue(target)
		if !ok {
			return
		}
		if entry.callback != nil {
			entry.callback()
			continue
		}
		select {
		case entry.channel <- fireAt:
		default:
		}
	}
}

// WaitForTimers blocks until at least n timers are pending.
func (fake *FakeClock) WaitForTimers(n int) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	for len(fake.pending) < n {
		fake.changed.Wait()
	}
}

// PendingCount returns the number of registered timers that have not
// fired or been cancelled.
func (fake *FakeClock) PendingCount() int {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return len(fake.pending)
}

func (fake *FakeClock) addLocked(entry *pendingTimer) {
	fake.pending = append(fake.pending, entry)
	fake.changed.Broadcast()
}

func (fake *FakeClock) cancel(entry *pendingTimer) bool {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	index := slices.Index(fake.pending, entry)
	if index < 0 {
		return false
	}
	entry.cancelled = true
	fake.pending = slices.Delete(fake.pending, index, index+1)
	return true
}

// popDue removes the earliest timer due at or before target. Tickers
// are rescheduled one period later and stay registered.
func (fake *FakeClock) popDue(target time.Time) (*pendingTimer, time.Time, bool) {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	earliest := -1
	for index, entry := range fake.pending {
		if entry.deadline.After(target) {
			continue
		}
		if earliest < 0 || entry.deadline.Before(fake.pending[earliest].deadline) {
			earliest = index
		}
	}
	if earliest < 0 {
		return nil, time.Time{}, false
	}

	entry := fake.pending[earliest]
	fireAt := entry.deadline
	if entry.period > 0 {
		entry.deadline = entry.deadline.Add(entry.period)
	} else {
		fake.pending = slices.Delete(fake.pending, earliest, earliest+1)
	}
	return entry, fireAt, true
}
