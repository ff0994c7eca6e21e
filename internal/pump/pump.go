// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gitlab.com/postmarketOS/gnss_control/internal/gnss"
)

// errorBackoff is how long the loop waits after a failed read before trying
// again, so a broken link does not spin.
const errorBackoff = 100 * time.Millisecond

// Params identifies the device a pump is bound to.
type Params struct {
	Device   string
	BaudRate int
	Timeout  time.Duration
}

// Publisher receives every frame read from the device.
type Publisher interface {
	Publish(f gnss.Frame)
}

// Pump is the only owner of a device connection. It reads frames and hands
// them to its Publisher, and writes queued commands to the device in the
// order they were enqueued.
type Pump struct {
	params Params
	conn   gnss.Conn
	pub    Publisher
	log    *slog.Logger

	mu       sync.Mutex
	outbound [][]byte

	cancel context.CancelFunc
	done   chan struct{}
}

// Start opens the device and runs the pump until Stop is called.
func Start(t gnss.Transport, params Params, pub Publisher, log *slog.Logger) (*Pump, error) {
	conn, err := t.Open(params.Device, params.BaudRate, params.Timeout)
	if err != nil {
		return nil, fmt.Errorf("pump.Start: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pump{
		params: params,
		conn:   conn,
		pub:    pub,
		log:    log.With("device", params.Device),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx)

	p.log.Info("io pump started", "baud", params.BaudRate, "timeout", params.Timeout)
	return p, nil
}

// Params returns the parameters the pump was started with.
func (p *Pump) Params() Params {
	return p.params
}

// Enqueue queues a command for the device. It never blocks.
func (p *Pump) Enqueue(cmd []byte) {
	p.mu.Lock()
	p.outbound = append(p.outbound, cmd)
	p.mu.Unlock()
}

// Stop signals the pump to exit and waits for it. The loop notices the
// signal once the current read returns, so Stop may block for up to the
// device timeout. The connection is closed before Stop returns.
func (p *Pump) Stop() {
	p.cancel()
	<-p.done
}

// Done is closed once the pump has exited and closed its connection.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

func (p *Pump) run(ctx context.Context) {
	defer close(p.done)
	defer func() {
		if err := p.conn.Close(); err != nil {
			p.log.Warn("closing device failed", "err", err)
		}
		p.log.Info("io pump stopped")
	}()

	for ctx.Err() == nil {
		f, err := p.conn.ReadFrame()
		switch {
		case err == nil:
			p.pub.Publish(f)
		case ctx.Err() != nil:
			return
		case errors.Is(err, gnss.ErrTimeout):
		default:
			p.log.Warn("device read failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
		}

		p.flush(ctx)
	}
}

// flush writes every queued command without waiting for more.
func (p *Pump) flush(ctx context.Context) {
	p.mu.Lock()
	cmds := p.outbound
	p.outbound = nil
	p.mu.Unlock()

	for _, cmd := range cmds {
		if ctx.Err() != nil {
			return
		}
		if err := p.conn.WriteFrame(cmd); err != nil {
			p.log.Warn("device write failed", "err", err)
		}
	}
}
