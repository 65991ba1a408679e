// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package testutil provides the deterministic api.Clock and in-memory
// api.Comm test doubles every consensus/broadcast package's tests are
// built against, plus a small multi-member network harness for
// integration-style tests of the cascade orchestrator and delivery
// facade. Styled after the teacher's test/network.go: one goroutine and
// one inbound channel per simulated member, driven by a map-based
// Network.
package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/HiveNetCode/distributed-mls/pkg/api"
)

// FakeClock is a manually-advanced api.Clock: nothing fires until the test
// calls Advance, and firing order is the timer's deadline order (ties
// broken by registration order), so tests are free of real-time flakiness.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	nextID uint64
	timers map[api.TimerID]*fakeTimer
}

type fakeTimer struct {
	deadline time.Duration
	seq      uint64
	fn       func()
}

func NewFakeClock() *FakeClock {
	return &FakeClock{timers: make(map[api.TimerID]*fakeTimer)}
}

func (c *FakeClock) AfterFunc(d time.Duration, fn func()) api.TimerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := api.TimerID(c.nextID)
	c.nextID++
	c.timers[id] = &fakeTimer{deadline: c.now + d, seq: uint64(id), fn: fn}
	return id
}

func (c *FakeClock) Cancel(id api.TimerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, id)
}

// Now returns the clock's current virtual time.
func (c *FakeClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d, firing every timer whose deadline
// falls at or before the new time, in deadline order. A callback that
// arms a new timer with a deadline still within [now, now+d] is fired in
// the same Advance call, matching a real clock's behavior.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		due := c.dueLocked(target)
		if due == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		delete(c.timers, api.TimerID(due.seq))
		c.now = due.deadline
		fn := due.fn
		c.mu.Unlock()

		fn()
	}
}

func (c *FakeClock) dueLocked(target time.Duration) *fakeTimer {
	var earliest *fakeTimer
	for _, t := range c.timers {
		if t.deadline > target {
			continue
		}
		if earliest == nil || t.deadline < earliest.deadline ||
			(t.deadline == earliest.deadline && t.seq < earliest.seq) {
			earliest = t
		}
	}
	return earliest
}

// PendingIDs returns the currently armed timer IDs in deadline order, for
// assertions that a machine armed (or cancelled) exactly the timeouts a
// test expects.
func (c *FakeClock) PendingIDs() []api.TimerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]api.TimerID, 0, len(c.timers))
	for id := range c.timers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return c.timers[ids[i]].deadline < c.timers[ids[j]].deadline
	})
	return ids
}

var _ api.Clock = (*FakeClock)(nil)
