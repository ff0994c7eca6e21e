// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

// Package gnsstest provides an in-memory receiver for tests.
package gnsstest

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"gitlab.com/postmarketOS/gnss_control/internal/gnss"
	"gitlab.com/postmarketOS/gnss_control/internal/ubx"
)

var ErrClosed = errors.New("gnsstest: connection closed")

// Device is a fake receiver implementing gnss.Transport. Frames queued with
// Emit are returned in order by whichever connection is open. When nothing
// is queued and Periodic is set, the device produces those identities in
// turn every Interval, like a receiver with message outputs enabled. Their
// "seq" field counts up across all periodic frames.
type Device struct {
	Periodic []string
	Interval time.Duration
	// Replies maps the identity of a written command to the frame the
	// device answers with.
	Replies map[string]gnss.Frame
	// ReadErr, when set, is returned by every read instead of data.
	ReadErr error
	OpenErr error
	// WriteErr is returned by the next FailWrites writes, which are not
	// recorded.
	WriteErr   error
	FailWrites int

	frames chan gnss.Frame

	mu      sync.Mutex
	written [][]byte
	opens   int
	open    int
	maxOpen int
	next    int
}

func New() *Device {
	return &Device{
		Interval: 10 * time.Millisecond,
		frames:   make(chan gnss.Frame, 1024),
	}
}

// Emit queues a frame for the next read.
func (d *Device) Emit(identity string, fields map[string]any) {
	d.frames <- gnss.Frame{Identity: identity, Fields: fields, Time: time.Now().UTC()}
}

// Written returns every command written to the device, in order.
func (d *Device) Written() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.written...)
}

// Opens returns how many times the device was opened.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// MaxOpen returns the highest number of simultaneously open connections.
func (d *Device) MaxOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen
}

func (d *Device) Open(path string, baud int, timeout time.Duration) (gnss.Conn, error) {
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	d.open++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	return &conn{dev: d, timeout: timeout, closed: make(chan struct{})}, nil
}

type conn struct {
	dev     *Device
	timeout time.Duration
	once    sync.Once
	closed  chan struct{}
}

func (c *conn) ReadFrame() (gnss.Frame, error) {
	d := c.dev
	if d.ReadErr != nil {
		select {
		case <-c.closed:
			return gnss.Frame{}, ErrClosed
		case <-time.After(time.Millisecond):
			return gnss.Frame{}, d.ReadErr
		}
	}

	var periodic <-chan time.Time
	if len(d.Periodic) > 0 {
		periodic = time.After(d.Interval)
	}

	select {
	case <-c.closed:
		return gnss.Frame{}, ErrClosed
	case f := <-d.frames:
		return f, nil
	case <-periodic:
		d.mu.Lock()
		seq := d.next
		d.next++
		d.mu.Unlock()
		return gnss.Frame{
			Identity: d.Periodic[seq%len(d.Periodic)],
			Fields:   map[string]any{"seq": seq},
			Time:     time.Now().UTC(),
		}, nil
	case <-time.After(c.timeout):
		return gnss.Frame{}, gnss.ErrTimeout
	}
}

func (c *conn) WriteFrame(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	d := c.dev
	d.mu.Lock()
	if d.FailWrites > 0 {
		d.FailWrites--
		d.mu.Unlock()
		return d.WriteErr
	}
	d.written = append(d.written, append([]byte(nil), data...))
	d.mu.Unlock()

	if m, err := ubx.NewReader(bytes.NewReader(data)).Read(); err == nil {
		if reply, ok := d.Replies[m.Identity()]; ok {
			d.frames <- reply
		}
	}
	return nil
}

func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.dev.mu.Lock()
		c.dev.open--
		c.dev.mu.Unlock()
	})
	return nil
}
