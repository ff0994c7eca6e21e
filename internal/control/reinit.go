// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package control

import (
	"context"
	"fmt"

	"gitlab.com/postmarketOS/gnss_control/internal/check"
	"gitlab.com/postmarketOS/gnss_control/internal/config"
)

type InitStatus string

const (
	Success InitStatus = "SUCCESS"
	Failure InitStatus = "FAILURE"
)

// Summary is the outcome of Reinitialize. Config is the configuration
// committed after the call, which is the previous one on failure.
type Summary struct {
	InitStatus InitStatus     `json:"init_status"`
	Message    string         `json:"message"`
	Config     *config.Device `json:"f9t_state"`
	Results    []check.Result `json:"test_results"`
}

// Reinitialize validates proposed, restarts the IO pump on it, verifies the
// device then produces every expected packet and commits proposed. Any
// failed check leaves the committed configuration as it was.
func (s *Service) Reinitialize(ctx context.Context, proposed *config.Device) Summary {
	d := s.withDefaults(proposed)
	log := s.log.With("device", d.Device)

	w, err := s.coord.AcquireWriter(ctx, s.opts.LockTimeout)
	if err != nil {
		log.Warn("reinitialize: device busy", "err", err)
		return Summary{
			InitStatus: Failure,
			Message:    fmt.Sprintf("device busy: %s", err),
			Config:     s.Committed(),
		}
	}
	defer w.Release()

	log.Info("reinitialize: checking configuration", "cfg_keys", d.CfgKeys, "packet_ids", d.PacketIDs)
	allPass, results := check.RunAll(check.Static(s.opts.RequiredCfgKeys, d))

	restarted := false
	if allPass {
		restarted = true
		if err := s.startPump(d); err != nil {
			allPass = false
			results = append(results, check.Result{Name: "control.StartPump", Result: check.Fail, Message: err.Error()})
		} else {
			obs := s.observe(ctx, d)
			var post []check.Result
			allPass, post = check.RunAll([]check.Check{
				check.ConfigAcknowledged(obs),
				check.Dataflow(obs, d.PacketIDs),
				check.UniqueID(obs, s.opts.RequireUniqueID),
			})
			results = append(results, post...)
			d.ChipUID = obs.UniqueID
		}
	}

	if !allPass {
		msg := check.Failures(results)
		log.Warn("reinitialize: failed", "reason", msg)
		if restarted {
			s.rebind()
		}
		return Summary{
			InitStatus: Failure,
			Message:    fmt.Sprintf("initialization failed: %s", msg),
			Config:     s.Committed(),
			Results:    results,
		}
	}

	d.InitSuccess = true
	s.committed.Store(d)
	log.Info("reinitialize: committed", "chip_uid", d.ChipUID)

	if s.opts.StateFile != "" {
		if err := config.SaveDevice(s.opts.StateFile, d); err != nil {
			log.Warn("reinitialize: saving state failed", "err", err)
		}
	}

	return Summary{
		InitStatus: Success,
		Message:    "device initialized",
		Config:     d.Clone(),
		Results:    results,
	}
}

func (s *Service) withDefaults(proposed *config.Device) *config.Device {
	d := proposed.Clone()
	d.InitSuccess = false
	d.ChipUID = ""
	if d.Device == "" {
		d.Device = s.opts.DefaultDevice
	}
	if d.BaudRate == 0 {
		d.BaudRate = s.opts.DefaultBaudRate
	}
	switch {
	case d.TimeoutSeconds <= 0:
		d.TimeoutSeconds = defaultTimeoutSeconds
	case d.TimeoutSeconds > maxTimeoutSeconds:
		d.TimeoutSeconds = maxTimeoutSeconds
	}
	return d
}

// observe watches live traffic through a slot of the pool. The caller is
// the writer, so no reader holds a slot.
func (s *Service) observe(ctx context.Context, d *config.Device) *check.Observation {
	idx, ok := s.pool.Allocate()
	if !ok {
		return &check.Observation{Window: d.Timeout(), Seen: map[string]bool{}}
	}
	defer s.pool.Release(idx)

	return check.Observe(ctx, s.pool.Slot(idx), d.Timeout(), d.PacketIDs, s.opts.RequireUniqueID)
}

// rebind points the pump back at the committed configuration after a failed
// attempt, or stops it when nothing was ever committed.
func (s *Service) rebind() {
	prev := s.committed.Load()
	if prev == nil {
		s.stopPump()
		return
	}
	if err := s.startPump(prev); err != nil {
		s.log.Error("reinitialize: restoring previous configuration failed", "err", err)
		s.stopPump()
	}
}
