// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package control

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// DiagnosticIdentity marks the single frame sent to a client whose stream
// could not be started.
const DiagnosticIdentity = "DIAGNOSTIC"

// Telemetry is one frame sent to a streaming client.
type Telemetry struct {
	Identity  string         `json:"identity"`
	Fields    map[string]any `json:"fields"`
	Timestamp time.Time      `json:"timestamp"`
}

func diagnostic(msg string) Telemetry {
	return Telemetry{
		Identity:  DiagnosticIdentity,
		Fields:    map[string]any{"message": msg},
		Timestamp: time.Now().UTC(),
	}
}

// Filter matches frame identities against a set of patterns. An empty
// filter matches everything.
type Filter []*regexp.Regexp

// CompileFilter compiles every pattern, failing with a *ProtocolError on
// the first malformed one.
func CompileFilter(patterns []string) (Filter, error) {
	f := make(Filter, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &ProtocolError{Pattern: p, Err: err}
		}
		f = append(f, re)
	}
	return f, nil
}

func (f Filter) Match(identity string) bool {
	if len(f) == 0 {
		return true
	}
	for _, re := range f {
		if re.MatchString(identity) {
			return true
		}
	}
	return false
}

// StreamTelemetry sends every frame whose identity matches one of patterns
// to send, until ctx is done, the service is closed or send fails.
//
// When the stream can not start because the device is busy, every slot is
// taken or no configuration was committed yet, a single DIAGNOSTIC frame is
// sent and the cause is returned.
func (s *Service) StreamTelemetry(ctx context.Context, patterns []string, send func(Telemetry) error) error {
	filter, err := CompileFilter(patterns)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	log := s.log.With("session", uuid.NewString())

	r, err := s.coord.AcquireReader(ctx, s.opts.LockTimeout)
	if err != nil {
		log.Info("stream rejected", "err", err)
		if serr := send(diagnostic(err.Error())); serr != nil {
			log.Debug("sending diagnostic failed", "err", serr)
		}
		return fmt.Errorf("control.StreamTelemetry: %w", err)
	}
	slot := r.Slot()
	defer func() {
		dropped := slot.Dropped()
		r.Release()
		log.Info("stream ended", "slot", slot.Index(), "dropped", dropped)
	}()

	if d := s.committed.Load(); d == nil || !d.InitSuccess {
		if serr := send(diagnostic("device is not initialized, run init first")); serr != nil {
			log.Debug("sending diagnostic failed", "err", serr)
		}
		return fmt.Errorf("control.StreamTelemetry: %w", ErrNotInitialized)
	}

	log.Info("stream started", "slot", slot.Index(), "patterns", patterns)
	for {
		f, err := slot.Next(ctx)
		if err != nil {
			return nil
		}
		if !filter.Match(f.Identity) {
			continue
		}

		err = send(Telemetry{Identity: f.Identity, Fields: f.Fields, Timestamp: f.Time})
		if err != nil {
			return fmt.Errorf("control.StreamTelemetry: %w", err)
		}
	}
}
