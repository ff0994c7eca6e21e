// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package gnss

import (
	"fmt"
	"time"

	"gitlab.com/postmarketOS/gnss_control/internal/ubx"
	"go.bug.st/serial"
)

// Serial opens receivers accessed directly over a serial interface on the
// system, e.g. via /dev/ttyACMN or /dev/ttyUSBN.
type Serial struct{}

// SerialConn is a receiver connection over a serial port. Only UBX frames
// are returned by ReadFrame, other protocols on the port are skipped.
type SerialConn struct {
	path   string
	port   serial.Port
	reader *ubx.Reader
}

// timeoutReader turns the (0, nil) read that the serial port returns on
// timeout into ErrTimeout.
type timeoutReader struct {
	port serial.Port
}

func (t timeoutReader) Read(p []byte) (n int, err error) {
	n, err = t.port.Read(p)
	if n == 0 && err == nil {
		err = ErrTimeout
	}
	return
}

func (Serial) Open(path string, baud int, timeout time.Duration) (Conn, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("gnss/Serial.Open(): %w", err)
	}

	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("gnss/Serial.Open(): %w", err)
	}

	// stale data from before the open is not interesting to anyone
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("gnss/Serial.Open(): %w", err)
	}

	return &SerialConn{
		path:   path,
		port:   port,
		reader: ubx.NewReader(timeoutReader{port}),
	}, nil
}

func (s *SerialConn) ReadFrame() (f Frame, err error) {
	m, err := s.reader.Read()
	if err != nil {
		err = fmt.Errorf("gnss/SerialConn.ReadFrame: %w", err)
		return
	}

	f.Identity, f.Fields = ubx.Decode(m)
	f.Time = time.Now().UTC()
	f.Raw = m.Bytes()
	return
}

func (s *SerialConn) WriteFrame(data []byte) (err error) {
	if _, err = s.port.Write(data); err != nil {
		err = fmt.Errorf("gnss/SerialConn.WriteFrame: %w", err)
	}
	return
}

func (s *SerialConn) Close() (err error) {
	if err = s.port.Close(); err != nil {
		err = fmt.Errorf("gnss/SerialConn.Close: %s: %w", s.path, err)
	}
	return
}
