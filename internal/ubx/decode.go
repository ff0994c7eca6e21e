// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package ubx

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

var classNames = map[byte]string{
	ClassNAV: "NAV",
	ClassACK: "ACK",
	ClassCFG: "CFG",
	ClassMON: "MON",
	ClassTIM: "TIM",
	ClassSEC: "SEC",
}

var messageNames = map[[2]byte]string{
	{ClassNAV, 0x07}: "NAV-PVT",
	{ClassNAV, 0x21}: "NAV-TIMEUTC",
	{ClassACK, 0x00}: "ACK-NAK",
	{ClassACK, 0x01}: "ACK-ACK",
	{ClassCFG, 0x8A}: "CFG-VALSET",
	{ClassCFG, 0x8B}: "CFG-VALGET",
	{ClassMON, 0x04}: "MON-VER",
	{ClassTIM, 0x01}: "TIM-TP",
	{ClassTIM, 0x03}: "TIM-TM2",
	{ClassSEC, 0x03}: "SEC-UNIQID",
}

// Identity returns the symbolic name for class/id. Unknown messages are
// named after their class when it is known, and the raw ids otherwise.
func Identity(class, id byte) string {
	if name, ok := messageNames[[2]byte{class, id}]; ok {
		return name
	}
	if c, ok := classNames[class]; ok {
		return fmt.Sprintf("%s-0x%02X", c, id)
	}
	return fmt.Sprintf("0x%02X-0x%02X", class, id)
}

// Decode returns the identity of m and its decoded fields. Messages without
// a field decoder, or with a truncated payload, carry only their raw payload
// as hex under "payload".
func Decode(m Message) (identity string, fields map[string]any) {
	identity = m.Identity()
	p := m.Payload

	switch identity {
	case "NAV-TIMEUTC":
		if len(p) < 20 {
			break
		}
		valid := p[19]
		fields = map[string]any{
			"iTOW":        binary.LittleEndian.Uint32(p[0:]),
			"tAcc":        binary.LittleEndian.Uint32(p[4:]),
			"nano":        int32(binary.LittleEndian.Uint32(p[8:])),
			"year":        binary.LittleEndian.Uint16(p[12:]),
			"month":       p[14],
			"day":         p[15],
			"hour":        p[16],
			"min":         p[17],
			"sec":         p[18],
			"validTOW":    valid&0x01 != 0,
			"validWKN":    valid&0x02 != 0,
			"validUTC":    valid&0x04 != 0,
			"utcStandard": valid >> 4,
		}
	case "TIM-TP":
		if len(p) < 16 {
			break
		}
		flags := p[14]
		refInfo := p[15]
		fields = map[string]any{
			"towMS":       binary.LittleEndian.Uint32(p[0:]),
			"towSubMS":    binary.LittleEndian.Uint32(p[4:]),
			"qErr":        int32(binary.LittleEndian.Uint32(p[8:])),
			"week":        binary.LittleEndian.Uint16(p[12:]),
			"timeBase":    flags & 0x03,
			"utc":         flags&0x04 != 0,
			"raim":        (flags >> 3) & 0x03,
			"qErrInvalid": flags&0x20 != 0,
			"timeRefGnss": refInfo & 0x0F,
			"utcStandard": refInfo >> 4,
		}
	case "SEC-UNIQID":
		if len(p) < 9 {
			break
		}
		fields = map[string]any{
			"version":  p[0],
			"uniqueId": hex.EncodeToString(p[4:]),
		}
	case "ACK-ACK", "ACK-NAK":
		if len(p) < 2 {
			break
		}
		fields = map[string]any{
			"clsID": p[0],
			"msgID": p[1],
			"ack":   Identity(p[0], p[1]),
		}
	}

	if fields == nil {
		fields = map[string]any{"payload": hex.EncodeToString(p)}
	}
	return
}
