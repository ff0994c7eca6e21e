// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package check

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gitlab.com/postmarketOS/gnss_control/internal/gnss"
)

// Source yields live frames from the device.
type Source interface {
	Next(ctx context.Context) (gnss.Frame, error)
}

// Observation is what was seen on the device during a window after it was
// (re)started.
type Observation struct {
	Window   time.Duration
	Seen     map[string]bool
	UniqueID string
	// ConfigAck is ACK-ACK or ACK-NAK once the receiver answered the
	// CFG-VALSET enabling the outputs.
	ConfigAck string
}

// Observe reads frames from src until every wanted packet id (and the chip's
// unique id, if wantUID) was seen, or window expires.
func Observe(ctx context.Context, src Source, window time.Duration, want []string, wantUID bool) *Observation {
	obs := &Observation{Window: window, Seen: map[string]bool{}}

	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	complete := func() bool {
		if wantUID && obs.UniqueID == "" {
			return false
		}
		for _, id := range want {
			if !obs.Seen[id] {
				return false
			}
		}
		return true
	}

	for !complete() {
		f, err := src.Next(ctx)
		if err != nil {
			break
		}
		obs.Seen[f.Identity] = true
		switch f.Identity {
		case "SEC-UNIQID":
			if uid, ok := f.Fields["uniqueId"].(string); ok {
				obs.UniqueID = uid
			}
		case "ACK-ACK", "ACK-NAK":
			if f.Fields["ack"] == "CFG-VALSET" {
				obs.ConfigAck = f.Identity
			}
		}
	}
	return obs
}

// Dataflow verifies every packet id was received during the observation.
func Dataflow(obs *Observation, packetIDs []string) Check {
	return Check{
		Name: "check.Dataflow",
		Run: func() (bool, string) {
			var missing []string
			for _, id := range packetIDs {
				if !obs.Seen[id] {
					missing = append(missing, id)
				}
			}
			sort.Strings(missing)

			if len(missing) > 0 {
				return false, fmt.Sprintf("not all packets are being received within %s, missing: %v", obs.Window, missing)
			}
			return true, "all packets are being received"
		},
	}
}

// ConfigAcknowledged fails when the receiver rejected the configuration.
// A receiver that did not answer at all is only reported.
func ConfigAcknowledged(obs *Observation) Check {
	return Check{
		Name: "check.ConfigAcknowledged",
		Run: func() (bool, string) {
			switch obs.ConfigAck {
			case "ACK-ACK":
				return true, "receiver acknowledged the configuration"
			case "ACK-NAK":
				return false, "receiver rejected the configuration (ACK-NAK)"
			}
			return true, fmt.Sprintf("receiver did not acknowledge the configuration within %s", obs.Window)
		},
	}
}

// UniqueID reports the chip's unique id. Without required, a chip that does
// not answer only yields a warning message.
func UniqueID(obs *Observation, required bool) Check {
	return Check{
		Name: "check.UniqueID",
		Run: func() (bool, string) {
			if obs.UniqueID != "" {
				return true, fmt.Sprintf("chip unique id: %s", obs.UniqueID)
			}
			if required {
				return false, "chip did not report its unique id"
			}
			return true, "chip did not report its unique id, continuing without it"
		},
	}
}
