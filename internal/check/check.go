// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

// Package check runs validation checks against a device configuration.
//
// A check reports whether it passed and a message for the operator. Checks
// are always run to completion as a list, never stopping at the first
// failure, so a caller gets the full diagnosis in one round trip.
package check

import (
	"fmt"
	"strings"
)

// Outcome of a single check.
type Outcome string

const (
	Pass Outcome = "PASS"
	Fail Outcome = "FAIL"
)

type Check struct {
	Name string
	Run  func() (bool, string)
}

type Result struct {
	Name    string  `json:"name"`
	Result  Outcome `json:"result"`
	Message string  `json:"message"`
}

func (r Result) Passed() bool {
	return r.Result == Pass
}

// RunAll runs every check in order and reports whether all of them passed.
// A check that panics counts as failed.
func RunAll(checks []Check) (allPass bool, results []Result) {
	allPass = true
	for _, c := range checks {
		ok, msg := run(c)
		allPass = allPass && ok

		r := Result{Name: c.Name, Result: Fail, Message: msg}
		if ok {
			r.Result = Pass
		}
		results = append(results, r)
	}
	return
}

func run(c Check) (ok bool, msg string) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			msg = fmt.Sprintf("check panicked: %v", r)
		}
	}()
	return c.Run()
}

// Failures joins the messages of every failed result.
func Failures(results []Result) string {
	var msgs []string
	for _, r := range results {
		if !r.Passed() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", r.Name, r.Message))
		}
	}
	return strings.Join(msgs, "; ")
}
