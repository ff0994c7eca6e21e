// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package pool

import (
	"context"
	"sync"

	"gitlab.com/postmarketOS/gnss_control/internal/gnss"
)

// Slot is a bounded queue of frames assigned to one streaming session.
type Slot struct {
	index     int
	frames    chan gnss.Frame
	allocated bool

	mu      sync.Mutex
	dropped uint64
}

// Pool is a fixed set of slots. Frames published to the pool are delivered
// to every allocated slot. When a slot is full its oldest frame is dropped
// to make room, so a slow session sees bounded staleness and never stalls
// the publisher.
type Pool struct {
	mu    sync.Mutex
	slots []*Slot
}

// New returns a pool of n slots, each holding up to depth frames.
func New(n, depth int) *Pool {
	if depth < 1 {
		depth = 1
	}
	p := &Pool{slots: make([]*Slot, n)}
	for i := range p.slots {
		p.slots[i] = &Slot{
			index:  i,
			frames: make(chan gnss.Frame, depth),
		}
	}
	return p
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Allocate marks the first free slot as allocated and returns its index.
func (p *Pool) Allocate() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		if !s.allocated {
			s.allocated = true
			return s.index, true
		}
	}
	return -1, false
}

// Release frees slot i and discards any frames still queued in it, so the
// next session to allocate it starts empty. It returns how many frames the
// slot dropped while it was allocated.
func (p *Pool) Release(i int) (dropped uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.slots[i]
	if !s.allocated {
		return
	}
	s.allocated = false

drain:
	for {
		select {
		case <-s.frames:
		default:
			break drain
		}
	}

	s.mu.Lock()
	dropped = s.dropped
	s.dropped = 0
	s.mu.Unlock()
	return
}

// Slot returns slot i.
func (p *Pool) Slot(i int) *Slot {
	return p.slots[i]
}

// Free returns the number of unallocated slots.
func (p *Pool) Free() (n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		if !s.allocated {
			n++
		}
	}
	return
}

// Allocated returns the indices of all allocated slots.
func (p *Pool) Allocated() (out []int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		if s.allocated {
			out = append(out, s.index)
		}
	}
	return
}

// Publish delivers f to every allocated slot.
func (p *Pool) Publish(f gnss.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		if s.allocated {
			s.push(f)
		}
	}
}

// push never blocks. Only the publisher sends on frames, and it holds the
// pool lock, so after evicting one frame there is room for f.
func (s *Slot) push(f gnss.Frame) {
	for {
		select {
		case s.frames <- f:
			return
		default:
		}

		select {
		case <-s.frames:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		default:
		}
	}
}

// Index returns the slot's position in its pool.
func (s *Slot) Index() int {
	return s.index
}

// Next blocks until a frame is available or ctx is done.
func (s *Slot) Next(ctx context.Context) (gnss.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return gnss.Frame{}, ctx.Err()
	}
}

// Dropped returns the number of frames evicted from the slot since it was
// allocated.
func (s *Slot) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
