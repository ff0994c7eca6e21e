// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package ubx

import (
	"encoding/binary"
	"fmt"
)

// Configuration layers for CFG-VALSET
const (
	LayerRAM   = 0x01
	LayerBBR   = 0x02
	LayerFlash = 0x04
)

// CfgKey is an entry of the receiver's configuration database.
type CfgKey struct {
	ID uint32
	// Identity of the output message enabled by this key, if any
	Output string
}

// Size returns the storage size of the key's value in bytes.
func (k CfgKey) Size() int {
	switch (k.ID >> 28) & 0x07 {
	case 0x01, 0x02:
		return 1
	case 0x03:
		return 2
	case 0x04:
		return 4
	case 0x05:
		return 8
	}
	return 0
}

// CfgKeys lists the message output keys this system knows how to enable.
var CfgKeys = map[string]CfgKey{
	"CFG_MSGOUT_UBX_NAV_PVT_UART1":     {0x20910007, "NAV-PVT"},
	"CFG_MSGOUT_UBX_NAV_PVT_USB":       {0x20910009, "NAV-PVT"},
	"CFG_MSGOUT_UBX_NAV_TIMEUTC_UART1": {0x2091005c, "NAV-TIMEUTC"},
	"CFG_MSGOUT_UBX_NAV_TIMEUTC_USB":   {0x2091005e, "NAV-TIMEUTC"},
	"CFG_MSGOUT_UBX_TIM_TP_UART1":      {0x2091017e, "TIM-TP"},
	"CFG_MSGOUT_UBX_TIM_TP_USB":        {0x20910180, "TIM-TP"},
	"CFG_MSGOUT_UBX_TIM_TM2_UART1":     {0x20910179, "TIM-TM2"},
	"CFG_MSGOUT_UBX_TIM_TM2_USB":       {0x2091017b, "TIM-TM2"},
}

// KeyValue is one item of a CFG-VALSET request.
type KeyValue struct {
	Key   string
	Value uint64
}

// ValSet builds a CFG-VALSET message writing the given values to layers.
func ValSet(layers byte, items []KeyValue) (m Message, err error) {
	payload := []byte{0x00, layers, 0x00, 0x00}
	for _, kv := range items {
		k, ok := CfgKeys[kv.Key]
		if !ok {
			err = fmt.Errorf("ubx.ValSet: unknown key %q", kv.Key)
			return
		}
		payload = binary.LittleEndian.AppendUint32(payload, k.ID)
		switch k.Size() {
		case 1:
			payload = append(payload, byte(kv.Value))
		case 2:
			payload = binary.LittleEndian.AppendUint16(payload, uint16(kv.Value))
		case 4:
			payload = binary.LittleEndian.AppendUint32(payload, uint32(kv.Value))
		case 8:
			payload = binary.LittleEndian.AppendUint64(payload, kv.Value)
		default:
			err = fmt.Errorf("ubx.ValSet: key %q has unsupported size", kv.Key)
			return
		}
	}

	m = Message{Class: ClassCFG, ID: 0x8A, Payload: payload}
	return
}

// EnableOutputs builds a CFG-VALSET setting the output rate of every key to
// one message per navigation solution, in RAM.
func EnableOutputs(keys []string) (Message, error) {
	items := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		items = append(items, KeyValue{Key: k, Value: 1})
	}
	return ValSet(LayerRAM, items)
}

// UniqueIDPoll requests SEC-UNIQID.
func UniqueIDPoll() Message {
	return Poll(ClassSEC, 0x03)
}
