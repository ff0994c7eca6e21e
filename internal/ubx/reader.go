// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package ubx

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrChecksum = errors.New("ubx: checksum mismatch")
	ErrTooLong  = errors.New("ubx: payload too long")
)

// Reader extracts UBX frames from a byte stream. Bytes outside of UBX frames
// (NMEA sentences, RTCM, line noise) are skipped.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read returns the next complete frame. Errors from the underlying reader
// are returned unchanged so callers can detect timeouts; a frame that fails
// its checksum is reported with ErrChecksum and the stream resynchronizes on
// the next call.
func (r *Reader) Read() (m Message, err error) {
	if err = r.sync(); err != nil {
		return
	}

	hdr := make([]byte, 4)
	if _, err = io.ReadFull(r.r, hdr); err != nil {
		return
	}
	n := int(binary.LittleEndian.Uint16(hdr[2:]))
	if n > MaxPayload {
		err = fmt.Errorf("ubx.Read: %w: %d bytes", ErrTooLong, n)
		return
	}

	body := make([]byte, n+2)
	if _, err = io.ReadFull(r.r, body); err != nil {
		return
	}

	a, b := checksum(append(hdr, body[:n]...))
	if a != body[n] || b != body[n+1] {
		err = fmt.Errorf("ubx.Read: %w for %s", ErrChecksum, Identity(hdr[0], hdr[1]))
		return
	}

	m = Message{Class: hdr[0], ID: hdr[1], Payload: body[:n]}
	return
}

// sync consumes bytes up to and including the two sync chars.
func (r *Reader) sync() error {
	prev := byte(0)
	for {
		c, err := r.r.ReadByte()
		if err != nil {
			return err
		}
		if prev == sync1 && c == sync2 {
			return nil
		}
		prev = c
	}
}
