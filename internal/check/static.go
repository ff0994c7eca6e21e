// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package check

import (
	"fmt"
	"os"
	"runtime"

	"gitlab.com/postmarketOS/gnss_control/internal/config"
	"gitlab.com/postmarketOS/gnss_control/internal/ubx"
)

var posix = map[string]bool{
	"linux":   true,
	"darwin":  true,
	"freebsd": true,
	"netbsd":  true,
	"openbsd": true,
	"solaris": true,
	"illumos": true,
}

// Static returns the checks run against a proposed configuration before the
// device is touched.
func Static(required []string, d *config.Device) []Check {
	return []Check{
		OSPosix(runtime.GOOS),
		RequiredKeys(required, d.CfgKeys),
		DeviceValid(d.Device),
		KnownKeys(d.CfgKeys),
		PacketIDsCovered(d.CfgKeys, d.PacketIDs),
	}
}

// OSPosix verifies the server is running on a POSIX system.
func OSPosix(goos string) Check {
	return Check{
		Name: "check.OSPosix",
		Run: func() (bool, string) {
			if posix[goos] {
				return true, "detected a POSIX-compliant system"
			}
			return false, fmt.Sprintf("%s is not supported yet", goos)
		},
	}
}

// RequiredKeys verifies every required cfg key is part of the given keys.
func RequiredKeys(required, given []string) Check {
	return Check{
		Name: "check.RequiredKeys",
		Run: func() (bool, string) {
			have := make(map[string]bool, len(given))
			for _, k := range given {
				have[k] = true
			}

			var missing []string
			for _, k := range required {
				if !have[k] {
					missing = append(missing, k)
				}
			}

			if len(missing) > 0 {
				return false, fmt.Sprintf("the given config is missing the following required keys: %v", missing)
			}
			return true, "all required cfg keys are present"
		},
	}
}

// DeviceValid verifies the device path is set and exists.
func DeviceValid(path string) Check {
	return Check{
		Name: "check.DeviceValid",
		Run: func() (bool, string) {
			if path == "" {
				return false, "device is empty"
			}
			if _, err := os.Stat(path); err != nil {
				return false, fmt.Sprintf("%s does not exist", path)
			}
			return true, fmt.Sprintf("%s is valid", path)
		},
	}
}

// KnownKeys verifies every cfg key can be encoded.
func KnownKeys(keys []string) Check {
	return Check{
		Name: "check.KnownKeys",
		Run: func() (bool, string) {
			var unknown []string
			for _, k := range keys {
				if _, ok := ubx.CfgKeys[k]; !ok {
					unknown = append(unknown, k)
				}
			}

			if len(unknown) > 0 {
				return false, fmt.Sprintf("unknown cfg keys: %v", unknown)
			}
			return true, fmt.Sprintf("%d cfg keys known", len(keys))
		},
	}
}

// PacketIDsCovered verifies every expected packet is enabled by one of the
// cfg keys, otherwise waiting for it after initialization is pointless.
func PacketIDsCovered(keys, packetIDs []string) Check {
	return Check{
		Name: "check.PacketIDsCovered",
		Run: func() (bool, string) {
			enabled := map[string]bool{}
			for _, k := range keys {
				if key, ok := ubx.CfgKeys[k]; ok {
					enabled[key.Output] = true
				}
			}

			var orphans []string
			for _, id := range packetIDs {
				if !enabled[id] {
					orphans = append(orphans, id)
				}
			}

			if len(orphans) > 0 {
				return false, fmt.Sprintf("no cfg key enables the following packet ids: %v", orphans)
			}
			return true, "every packet id is enabled by a cfg key"
		},
	}
}
