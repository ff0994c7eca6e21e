// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package pump

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/postmarketOS/gnss_control/internal/gnss"
	"gitlab.com/postmarketOS/gnss_control/internal/gnss/gnsstest"
	"gitlab.com/postmarketOS/gnss_control/internal/pool"
)

var params = Params{Device: "/dev/fake", BaudRate: 38400, Timeout: 20 * time.Millisecond}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *recorder) Publish(f gnss.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f.Identity)
	r.mu.Unlock()
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func TestFanOut(t *testing.T) {
	dev := gnsstest.New()
	p := pool.New(3, 8)
	a, _ := p.Allocate()
	b, _ := p.Allocate()

	pump, err := Start(dev, params, p, discard())
	require.NoError(t, err)
	defer pump.Stop()

	dev.Emit("NAV-TIMEUTC", nil)
	dev.Emit("TIM-TP", nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, idx := range []int{a, b} {
		for _, want := range []string{"NAV-TIMEUTC", "TIM-TP"} {
			f, err := p.Slot(idx).Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, f.Identity)
		}
	}
}

func TestOutboundOrder(t *testing.T) {
	dev := gnsstest.New()
	pump, err := Start(dev, params, &recorder{}, discard())
	require.NoError(t, err)
	defer pump.Stop()

	pump.Enqueue([]byte("one"))
	pump.Enqueue([]byte("two"))
	pump.Enqueue([]byte("three"))

	require.Eventually(t, func() bool { return len(dev.Written()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")}, dev.Written())
}

func TestReadErrorsDoNotStopPump(t *testing.T) {
	dev := gnsstest.New()
	dev.ReadErr = errors.New("link flapping")

	rec := &recorder{}
	pump, err := Start(dev, params, rec, discard())
	require.NoError(t, err)

	pump.Enqueue([]byte("still written"))
	require.Eventually(t, func() bool { return len(dev.Written()) == 1 }, time.Second, time.Millisecond)

	select {
	case <-pump.Done():
		t.Fatal("pump exited on a read error")
	default:
	}

	pump.Stop()
	assert.Empty(t, rec.got())
}

func TestStopJoins(t *testing.T) {
	dev := gnsstest.New()

	for i := 0; i < 3; i++ {
		pump, err := Start(dev, params, &recorder{}, discard())
		require.NoError(t, err)
		pump.Stop()

		select {
		case <-pump.Done():
		default:
			t.Fatal("Stop returned before the pump exited")
		}
	}

	assert.Equal(t, 3, dev.Opens())
	assert.Equal(t, 1, dev.MaxOpen())
}

func TestStartOpenError(t *testing.T) {
	dev := gnsstest.New()
	dev.OpenErr = errors.New("no such device")

	_, err := Start(dev, params, &recorder{}, discard())
	assert.ErrorIs(t, err, dev.OpenErr)
}

func TestWriteErrorsDoNotStopPump(t *testing.T) {
	dev := gnsstest.New()
	dev.WriteErr = errors.New("write timeout")
	dev.FailWrites = 1

	rec := &recorder{}
	pump, err := Start(dev, params, rec, discard())
	require.NoError(t, err)
	defer pump.Stop()

	pump.Enqueue([]byte("lost"))
	pump.Enqueue([]byte("kept"))

	require.Eventually(t, func() bool { return len(dev.Written()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("kept")}, dev.Written())

	dev.Emit("TIM-TP", nil)
	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, time.Second, time.Millisecond)
}
