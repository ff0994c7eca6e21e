// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package check

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/postmarketOS/gnss_control/internal/config"
	"gitlab.com/postmarketOS/gnss_control/internal/gnss"
)

func TestRunAllDoesNotShortCircuit(t *testing.T) {
	ran := 0
	checks := []Check{
		{"first", func() (bool, string) { ran++; return false, "nope" }},
		{"second", func() (bool, string) { ran++; panic("boom") }},
		{"third", func() (bool, string) { ran++; return true, "fine" }},
	}

	allPass, results := RunAll(checks)
	assert.False(t, allPass)
	assert.Equal(t, 3, ran)
	require.Len(t, results, 3)
	assert.Equal(t, Fail, results[0].Result)
	assert.Equal(t, Fail, results[1].Result)
	assert.Contains(t, results[1].Message, "boom")
	assert.Equal(t, Result{Name: "third", Result: Pass, Message: "fine"}, results[2])
	assert.Equal(t, "first: nope; second: check panicked: boom", Failures(results))
}

func TestRequiredKeys(t *testing.T) {
	tables := []struct {
		given    []string
		ok       bool
		expected string
	}{
		{[]string{"A", "B", "C"}, true, "all required cfg keys are present"},
		{[]string{"A"}, false, "the given config is missing the following required keys: [B]"},
		{nil, false, "the given config is missing the following required keys: [A B]"},
	}

	for _, table := range tables {
		ok, msg := RequiredKeys([]string{"A", "B"}, table.given).Run()
		assert.Equal(t, table.ok, ok, table.given)
		assert.Equal(t, table.expected, msg)
	}
}

func TestDeviceValid(t *testing.T) {
	dev := filepath.Join(t.TempDir(), "ttyACM0")
	require.NoError(t, os.WriteFile(dev, nil, 0600))

	ok, _ := DeviceValid(dev).Run()
	assert.True(t, ok)

	ok, msg := DeviceValid(dev + "x").Run()
	assert.False(t, ok)
	assert.Contains(t, msg, "does not exist")

	ok, msg = DeviceValid("").Run()
	assert.False(t, ok)
	assert.Equal(t, "device is empty", msg)
}

func TestOSPosix(t *testing.T) {
	ok, _ := OSPosix("linux").Run()
	assert.True(t, ok)
	ok, msg := OSPosix("windows").Run()
	assert.False(t, ok)
	assert.Equal(t, "windows is not supported yet", msg)
}

func TestStatic(t *testing.T) {
	d := &config.Device{
		Device:    "",
		CfgKeys:   []string{"CFG_MSGOUT_UBX_TIM_TP_USB", "CFG_BOGUS"},
		PacketIDs: []string{"TIM-TP", "NAV-TIMEUTC"},
	}

	allPass, results := RunAll(Static([]string{"CFG_MSGOUT_UBX_TIM_TP_USB"}, d))
	assert.False(t, allPass)

	outcomes := map[string]Outcome{}
	for _, r := range results {
		outcomes[r.Name] = r.Result
	}
	assert.Equal(t, Pass, outcomes["check.RequiredKeys"])
	assert.Equal(t, Fail, outcomes["check.DeviceValid"])
	assert.Equal(t, Fail, outcomes["check.KnownKeys"])
	assert.Equal(t, Fail, outcomes["check.PacketIDsCovered"])
}

type frames chan gnss.Frame

func (f frames) Next(ctx context.Context) (gnss.Frame, error) {
	select {
	case fr := <-f:
		return fr, nil
	case <-ctx.Done():
		return gnss.Frame{}, ctx.Err()
	}
}

func TestObserve(t *testing.T) {
	src := make(frames, 8)
	src <- gnss.Frame{Identity: "TIM-TP"}
	src <- gnss.Frame{Identity: "SEC-UNIQID", Fields: map[string]any{"uniqueId": "0102030405"}}
	src <- gnss.Frame{Identity: "NAV-TIMEUTC"}

	start := time.Now()
	obs := Observe(context.Background(), src, time.Second, []string{"NAV-TIMEUTC", "TIM-TP"}, true)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "observation ends once everything was seen")

	ok, _ := Dataflow(obs, []string{"NAV-TIMEUTC", "TIM-TP"}).Run()
	assert.True(t, ok)
	ok, msg := UniqueID(obs, true).Run()
	assert.True(t, ok)
	assert.Equal(t, "chip unique id: 0102030405", msg)
}

func TestObserveMissing(t *testing.T) {
	src := make(frames, 8)
	src <- gnss.Frame{Identity: "TIM-TP"}

	obs := Observe(context.Background(), src, 30*time.Millisecond, []string{"NAV-TIMEUTC", "TIM-TP"}, false)

	ok, msg := Dataflow(obs, []string{"NAV-TIMEUTC", "TIM-TP"}).Run()
	assert.False(t, ok)
	assert.Contains(t, msg, "[NAV-TIMEUTC]")

	ok, _ = UniqueID(obs, false).Run()
	assert.True(t, ok)
	ok, _ = UniqueID(obs, true).Run()
	assert.False(t, ok)
}

func TestObserveConfigAck(t *testing.T) {
	src := make(frames, 8)
	// acknowledgements of other messages are not the configuration's
	src <- gnss.Frame{Identity: "ACK-ACK", Fields: map[string]any{"ack": "CFG-VALGET"}}
	src <- gnss.Frame{Identity: "ACK-NAK", Fields: map[string]any{"ack": "CFG-VALSET"}}
	src <- gnss.Frame{Identity: "TIM-TP"}

	obs := Observe(context.Background(), src, time.Second, []string{"TIM-TP"}, false)
	assert.Equal(t, "ACK-NAK", obs.ConfigAck)
}

func TestConfigAcknowledged(t *testing.T) {
	tables := []struct {
		ack  string
		pass bool
		msg  string
	}{
		{"ACK-ACK", true, "receiver acknowledged the configuration"},
		{"ACK-NAK", false, "receiver rejected the configuration (ACK-NAK)"},
		{"", true, "receiver did not acknowledge the configuration within 1s"},
	}

	for _, table := range tables {
		obs := &Observation{Window: time.Second, ConfigAck: table.ack}
		ok, msg := ConfigAcknowledged(obs).Run()
		if ok != table.pass || msg != table.msg {
			t.Errorf("ConfigAcknowledged(%q): got %v %q, expected %v %q", table.ack, ok, msg, table.pass, table.msg)
		}
	}
}
