// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

// Package control implements the operations clients run against the
// receiver: reinitializing its configuration and streaming its telemetry.
//
// Reinitialize is the writer: it has the device to itself while it checks a
// proposed configuration, restarts the IO pump and commits. StreamTelemetry
// is a reader: any number of sessions, up to the slot pool's size, stream
// concurrently under the committed configuration.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/postmarketOS/gnss_control/internal/config"
	"gitlab.com/postmarketOS/gnss_control/internal/coord"
	"gitlab.com/postmarketOS/gnss_control/internal/gnss"
	"gitlab.com/postmarketOS/gnss_control/internal/pool"
	"gitlab.com/postmarketOS/gnss_control/internal/pump"
	"gitlab.com/postmarketOS/gnss_control/internal/ubx"
)

var (
	ErrNotInitialized = errors.New("control: device is not initialized")
	ErrClosed         = errors.New("control: service closed")
)

// ProtocolError is returned for malformed client input.
type ProtocolError struct {
	Pattern string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("control: invalid pattern %q: %s", e.Pattern, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

type Options struct {
	Transport gnss.Transport

	// Sessions is the maximum number of concurrent streams, each buffering
	// up to QueueDepth frames.
	Sessions   int
	QueueDepth int
	// LockTimeout bounds how long operations wait for device access. Zero
	// or less selects DefaultLockTimeout.
	LockTimeout time.Duration

	RequiredCfgKeys []string
	RequireUniqueID bool

	// Used when a proposed configuration does not name them.
	DefaultDevice   string
	DefaultBaudRate int

	// StateFile, if set, receives every committed configuration.
	StateFile string

	Logger *slog.Logger
}

const (
	DefaultLockTimeout = 5 * time.Second

	// bounds of the observation window and serial read timeout proposed
	// by a client, in seconds
	defaultTimeoutSeconds = 5
	maxTimeoutSeconds     = 30
)

type Service struct {
	opts  Options
	log   *slog.Logger
	pool  *pool.Pool
	coord *coord.Coordinator

	// committed is replaced, never modified, and only inside the writer's
	// critical section.
	committed atomic.Pointer[config.Device]

	mu     sync.Mutex
	pump   *pump.Pump
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sessions < 1 {
		opts.Sessions = 1
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}

	p := pool.New(opts.Sessions, opts.QueueDepth)
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:   opts,
		log:    opts.Logger.With("component", "control"),
		pool:   p,
		coord:  coord.New(p),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Committed returns the committed device configuration, or nil if no
// initialization ever succeeded.
func (s *Service) Committed() *config.Device {
	if d := s.committed.Load(); d != nil {
		return d.Clone()
	}
	return nil
}

// ServiceStatus describes the service at one point in time.
type ServiceStatus struct {
	Committed   *config.Device `json:"committed"`
	Coordinator coord.Stats    `json:"coordinator"`
	PumpRunning bool           `json:"pump_running"`
	Slots       int            `json:"slots"`
	Sessions    []int          `json:"sessions"`
}

func (s *Service) Status() ServiceStatus {
	s.mu.Lock()
	running := s.pump != nil
	s.mu.Unlock()

	return ServiceStatus{
		Committed:   s.Committed(),
		Coordinator: s.coord.Stats(),
		PumpRunning: running,
		Slots:       s.pool.Size(),
		Sessions:    s.pool.Allocated(),
	}
}

// Close ends every stream and stops the IO pump. Operations started after
// Close fail.
func (s *Service) Close() {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.pump != nil {
		s.pump.Stop()
		s.pump = nil
	}
}

// startPump replaces the running pump with one bound to d, and asks the
// device to enable d's outputs. The previous pump is stopped and joined
// before the device is opened again.
func (s *Service) startPump(d *config.Device) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pump != nil {
		s.pump.Stop()
		s.pump = nil
	}
	if s.closed {
		return ErrClosed
	}

	enable, err := ubx.EnableOutputs(d.CfgKeys)
	if err != nil {
		return fmt.Errorf("control.startPump: %w", err)
	}

	p, err := pump.Start(s.opts.Transport, pump.Params{
		Device:   d.Device,
		BaudRate: d.BaudRate,
		Timeout:  d.Timeout(),
	}, s.pool, s.opts.Logger.With("component", "pump"))
	if err != nil {
		return fmt.Errorf("control.startPump: %w", err)
	}

	p.Enqueue(enable.Bytes())
	p.Enqueue(ubx.UniqueIDPoll().Bytes())
	s.pump = p
	return
}

func (s *Service) stopPump() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pump != nil {
		s.pump.Stop()
		s.pump = nil
	}
}
