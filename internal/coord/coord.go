// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

// Package coord arbitrates access to the receiver between one writer, which
// may change the device configuration, and many readers, which stream
// telemetry under the committed configuration.
//
// The Coordinator is a monitor with writer preference: a waiting writer
// blocks new readers, so a steady arrival of streaming sessions can not
// starve reconfiguration. Every reader also owns one slot of a pool.Pool
// for as long as it holds access.
package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gitlab.com/postmarketOS/gnss_control/internal/pool"
)

var (
	// ErrLockTimeout is returned when access was not granted in time.
	ErrLockTimeout = errors.New("coord: lock busy")
	// ErrNoSlotAvailable is returned when a reader was admitted but every
	// slot stayed in use until its deadline.
	ErrNoSlotAvailable = errors.New("coord: no reader slot available")
)

type Coordinator struct {
	mu      sync.Mutex
	readOK  *sync.Cond
	writeOK *sync.Cond

	// waiting and active readers and writers
	wr, ww, ar, aw int

	pool *pool.Pool
}

// Stats is a snapshot of the coordinator's counters.
type Stats struct {
	WaitingReaders int `json:"waiting_readers"`
	WaitingWriters int `json:"waiting_writers"`
	ActiveReaders  int `json:"active_readers"`
	ActiveWriters  int `json:"active_writers"`
}

func New(p *pool.Pool) *Coordinator {
	c := &Coordinator{pool: p}
	c.readOK = sync.NewCond(&c.mu)
	c.writeOK = sync.NewCond(&c.mu)
	return c
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		WaitingReaders: c.wr,
		WaitingWriters: c.ww,
		ActiveReaders:  c.ar,
		ActiveWriters:  c.aw,
	}
}

// bound applies timeout to ctx and makes sure waiters on either condition
// notice when ctx is done. A timeout <= 0 leaves ctx's own deadline as the
// only bound.
func (c *Coordinator) bound(ctx context.Context, timeout time.Duration) (context.Context, func()) {
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.readOK.Broadcast()
		c.writeOK.Broadcast()
		c.mu.Unlock()
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

// WriterGuard is held by the single active writer.
type WriterGuard struct {
	c    *Coordinator
	once sync.Once
}

// Release ends the writer's critical section. Only the first call has an
// effect.
func (g *WriterGuard) Release() {
	g.once.Do(g.c.releaseWriter)
}

// AcquireWriter waits until no reader or writer is active and makes the
// caller the active writer.
func (c *Coordinator) AcquireWriter(ctx context.Context, timeout time.Duration) (*WriterGuard, error) {
	ctx, done := c.bound(ctx, timeout)
	defer done()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.ww++
	for c.aw+c.ar > 0 {
		if ctx.Err() != nil {
			c.ww--
			// readers queued behind this writer may go now
			if c.ww == 0 && c.aw == 0 && c.wr > 0 {
				c.readOK.Broadcast()
			}
			return nil, fmt.Errorf("coord.AcquireWriter: %w: %w", ErrLockTimeout, context.Cause(ctx))
		}
		c.writeOK.Wait()
	}
	c.ww--
	c.aw++

	return &WriterGuard{c: c}, nil
}

func (c *Coordinator) releaseWriter() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.aw--
	if c.ww > 0 {
		c.writeOK.Signal()
	} else if c.wr > 0 {
		c.readOK.Broadcast()
	}
}

// ReaderGuard is held by an active reader together with its slot.
type ReaderGuard struct {
	c    *Coordinator
	slot *pool.Slot
	once sync.Once
}

// Slot returns the pool slot owned by the reader.
func (g *ReaderGuard) Slot() *pool.Slot {
	return g.slot
}

// Release ends the reader's access and frees its slot. Only the first call
// has an effect.
func (g *ReaderGuard) Release() {
	g.once.Do(func() {
		g.c.releaseReader(g.slot.Index())
	})
}

// AcquireReader waits until no writer is active or waiting and a slot is
// free, then allocates the slot to the caller.
func (c *Coordinator) AcquireReader(ctx context.Context, timeout time.Duration) (*ReaderGuard, error) {
	ctx, done := c.bound(ctx, timeout)
	defer done()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.wr++
	for {
		noSlot := false
		if c.aw+c.ww == 0 {
			c.ar++
			if idx, ok := c.pool.Allocate(); ok {
				c.wr--
				return &ReaderGuard{c: c, slot: c.pool.Slot(idx)}, nil
			}
			c.ar--
			noSlot = true
		}

		if ctx.Err() != nil {
			c.wr--
			reason := ErrLockTimeout
			if noSlot {
				reason = ErrNoSlotAvailable
			}
			return nil, fmt.Errorf("coord.AcquireReader: %w: %w", reason, context.Cause(ctx))
		}
		c.readOK.Wait()
	}
}

func (c *Coordinator) releaseReader(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ar--
	c.pool.Release(idx)
	if c.ar == 0 && c.ww > 0 {
		c.writeOK.Signal()
	} else if c.wr > 0 {
		c.readOK.Broadcast()
	}
}
