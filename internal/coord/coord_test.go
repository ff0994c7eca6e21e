// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package coord

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/postmarketOS/gnss_control/internal/pool"
)

const long = 5 * time.Second

func newCoordinator(slots int) (*Coordinator, *pool.Pool) {
	p := pool.New(slots, 4)
	return New(p), p
}

func TestMutualExclusion(t *testing.T) {
	c, p := newCoordinator(4)

	var readers, writers atomic.Int32
	var violations atomic.Int32
	check := func() {
		r, w := readers.Load(), writers.Load()
		if w > 1 || (w > 0 && r > 0) {
			violations.Add(1)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				hold := time.Duration(rng.Intn(200)) * time.Microsecond
				if rng.Intn(4) == 0 {
					guard, err := c.AcquireWriter(context.Background(), long)
					if err != nil {
						continue
					}
					writers.Add(1)
					check()
					time.Sleep(hold)
					check()
					writers.Add(-1)
					guard.Release()
				} else {
					guard, err := c.AcquireReader(context.Background(), long)
					if err != nil {
						continue
					}
					readers.Add(1)
					check()
					time.Sleep(hold)
					check()
					readers.Add(-1)
					guard.Release()
				}
			}
		}(int64(i))
	}
	wg.Wait()

	assert.Zero(t, violations.Load())
	assert.Equal(t, Stats{}, c.Stats())
	assert.Equal(t, p.Size(), p.Free())
}

func TestWriterPriority(t *testing.T) {
	c, _ := newCoordinator(4)

	r1, err := c.AcquireReader(context.Background(), long)
	require.NoError(t, err)

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w, err := c.AcquireWriter(context.Background(), long)
		if !assert.NoError(t, err) {
			return
		}
		record("writer acquired")
		time.Sleep(20 * time.Millisecond)
		record("writer released")
		w.Release()
	}()
	require.Eventually(t, func() bool { return c.Stats().WaitingWriters == 1 }, time.Second, time.Millisecond)

	go func() {
		defer wg.Done()
		r2, err := c.AcquireReader(context.Background(), long)
		if !assert.NoError(t, err) {
			return
		}
		record("reader acquired")
		r2.Release()
	}()
	require.Eventually(t, func() bool { return c.Stats().WaitingReaders == 1 }, time.Second, time.Millisecond)

	// r1 still active and a writer waiting: the new reader must stay out
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, events)
	mu.Unlock()

	r1.Release()
	wg.Wait()

	assert.Equal(t, []string{"writer acquired", "writer released", "reader acquired"}, events)
	assert.Equal(t, Stats{}, c.Stats())
}

func TestReleaseOnPanic(t *testing.T) {
	c, p := newCoordinator(2)

	session := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("session failed")
			}
		}()
		g, err := c.AcquireReader(context.Background(), long)
		if err != nil {
			return err
		}
		defer g.Release()
		panic("stream broke")
	}

	assert.Error(t, session())
	assert.Equal(t, Stats{}, c.Stats())
	assert.Equal(t, 2, p.Free())
}

func TestReleaseTwice(t *testing.T) {
	c, p := newCoordinator(2)

	g, err := c.AcquireReader(context.Background(), long)
	require.NoError(t, err)
	g.Release()
	g.Release()
	assert.Equal(t, Stats{}, c.Stats())
	assert.Equal(t, 2, p.Free())

	w, err := c.AcquireWriter(context.Background(), long)
	require.NoError(t, err)
	w.Release()
	w.Release()
	assert.Equal(t, Stats{}, c.Stats())
}

// A writer that gives up must not leave readers queued behind it blocked.
func TestWriterTimeout(t *testing.T) {
	c, _ := newCoordinator(4)

	r1, err := c.AcquireReader(context.Background(), long)
	require.NoError(t, err)
	defer r1.Release()

	writerErr := make(chan error, 1)
	go func() {
		_, err := c.AcquireWriter(context.Background(), 50*time.Millisecond)
		writerErr <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().WaitingWriters == 1 }, time.Second, time.Millisecond)

	r2, err := c.AcquireReader(context.Background(), long)
	require.NoError(t, err)
	r2.Release()

	err = <-writerErr
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Stats{ActiveReaders: 1}, c.Stats())
}

func TestReaderTimeoutBehindWriter(t *testing.T) {
	c, p := newCoordinator(2)

	w, err := c.AcquireWriter(context.Background(), long)
	require.NoError(t, err)

	_, err = c.AcquireReader(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Equal(t, Stats{ActiveWriters: 1}, c.Stats())

	w.Release()
	assert.Equal(t, 2, p.Free())
}

func TestReaderCancelled(t *testing.T) {
	c, _ := newCoordinator(2)

	w, err := c.AcquireWriter(context.Background(), long)
	require.NoError(t, err)
	defer w.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = c.AcquireReader(ctx, long)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Stats{ActiveWriters: 1}, c.Stats())
}

func TestNoSlotAvailable(t *testing.T) {
	c, _ := newCoordinator(1)

	g, err := c.AcquireReader(context.Background(), long)
	require.NoError(t, err)
	defer g.Release()

	_, err = c.AcquireReader(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoSlotAvailable)
	assert.Equal(t, Stats{ActiveReaders: 1}, c.Stats())
}

// With two slots, a third reader waits for one of the first two to finish
// and takes over its slot.
func TestThirdReaderGetsFreedSlot(t *testing.T) {
	c, _ := newCoordinator(2)

	first, err := c.AcquireReader(context.Background(), long)
	require.NoError(t, err)
	second, err := c.AcquireReader(context.Background(), long)
	require.NoError(t, err)
	require.NotEqual(t, first.Slot().Index(), second.Slot().Index())

	type result struct {
		g   *ReaderGuard
		err error
	}
	third := make(chan result, 1)
	go func() {
		g, err := c.AcquireReader(context.Background(), long)
		third <- result{g, err}
	}()

	select {
	case <-third:
		t.Fatal("third reader must wait for a free slot")
	case <-time.After(30 * time.Millisecond):
	}

	freed := first.Slot().Index()
	first.Release()

	res := <-third
	require.NoError(t, res.err)
	assert.Equal(t, freed, res.g.Slot().Index())

	res.g.Release()
	second.Release()
	assert.Equal(t, Stats{}, c.Stats())
}

func TestWritersExclusive(t *testing.T) {
	c, _ := newCoordinator(1)

	w1, err := c.AcquireWriter(context.Background(), long)
	require.NoError(t, err)

	_, err = c.AcquireWriter(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)

	w1.Release()
	w2, err := c.AcquireWriter(context.Background(), long)
	require.NoError(t, err)
	w2.Release()
	assert.Equal(t, Stats{}, c.Stats())
}
