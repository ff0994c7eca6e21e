// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package ubx

import (
	"encoding/binary"
	"fmt"
)

const (
	sync1 = 0xB5
	sync2 = 0x62

	// header is sync chars, class, id and length
	headerLen = 6
	// MaxPayload bounds the payload length accepted from the device
	MaxPayload = 4096
)

// Message classes used by this package.
const (
	ClassNAV = 0x01
	ClassACK = 0x05
	ClassCFG = 0x06
	ClassMON = 0x0A
	ClassTIM = 0x0D
	ClassSEC = 0x27
)

// Message is a single UBX frame without the sync chars and checksum.
type Message struct {
	Class   byte
	ID      byte
	Payload []byte
}

func checksum(data []byte) (a, b byte) {
	for _, c := range data {
		a += c
		b += a
	}
	return
}

// Bytes returns the message framed for the wire: sync chars, class, id,
// little endian length, payload and the 8-bit Fletcher checksum.
func (m Message) Bytes() []byte {
	out := make([]byte, 0, headerLen+len(m.Payload)+2)
	out = append(out, sync1, sync2, m.Class, m.ID)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(m.Payload)))
	out = append(out, m.Payload...)
	a, b := checksum(out[2:])
	return append(out, a, b)
}

// Identity returns the symbolic name of the message, e.g. "TIM-TP".
func (m Message) Identity() string {
	return Identity(m.Class, m.ID)
}

func (m Message) String() string {
	return fmt.Sprintf("%s (%d bytes)", m.Identity(), len(m.Payload))
}

// Poll returns an empty-payload message, which the receiver answers with
// the current contents of the given class/id.
func Poll(class, id byte) Message {
	return Message{Class: class, ID: id}
}
