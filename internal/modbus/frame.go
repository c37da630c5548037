// Package modbus implements the Modbus TCP transport used by the poller:
// MBAP framing, a pooled TCP client per (ip, port, unitId), block reads via
// FC3, and register writes via FC6/FC16, all under a shared retry policy.
package modbus

import (
	"encoding/binary"
	"fmt"
)

// Supported function codes.
const (
	FuncReadHolding    = 3
	FuncWriteSingle    = 6
	FuncWriteMultiple  = 16
	exceptionFlag      = 0x80
	mbapHeaderLen      = 7
	maxPDULen          = 253
	protocolIdentifier = 0
)

// buildMBAP renders the 7-byte MBAP header followed by the PDU.
func buildMBAP(txnID uint16, unitID byte, pdu []byte) []byte {
	buf := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(buf[0:2], txnID)
	binary.BigEndian.PutUint16(buf[2:4], protocolIdentifier)
	binary.BigEndian.PutUint16(buf[4:6], uint16(1+len(pdu))) // unit id + PDU
	buf[6] = unitID
	copy(buf[7:], pdu)
	return buf
}

// buildReadHolding renders an FC3 request PDU.
func buildReadHolding(start, quantity uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = FuncReadHolding
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], quantity)
	return pdu
}

// buildWriteSingle renders an FC6 request PDU.
func buildWriteSingle(addr, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = FuncWriteSingle
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], value)
	return pdu
}

// buildWriteMultiple renders an FC16 request PDU.
func buildWriteMultiple(start uint16, values []uint16) []byte {
	pdu := make([]byte, 6+2*len(values))
	pdu[0] = FuncWriteMultiple
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(len(values)))
	pdu[5] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(pdu[6+2*i:8+2*i], v)
	}
	return pdu
}

// parseReadHolding extracts the register bytes from an FC3 response PDU.
// The returned buffer holds exactly quantity*2 bytes.
func parseReadHolding(pdu []byte, quantity uint16) ([]byte, error) {
	if err := checkException(pdu, FuncReadHolding); err != nil {
		return nil, err
	}
	if len(pdu) < 2 {
		return nil, fmt.Errorf("short FC3 response: %d bytes", len(pdu))
	}
	byteCount := int(pdu[1])
	if byteCount != int(quantity)*2 {
		return nil, fmt.Errorf("FC3 byte count %d, want %d", byteCount, quantity*2)
	}
	if len(pdu) < 2+byteCount {
		return nil, fmt.Errorf("truncated FC3 response: %d of %d data bytes", len(pdu)-2, byteCount)
	}
	out := make([]byte, byteCount)
	copy(out, pdu[2:2+byteCount])
	return out, nil
}

// checkException validates the echoed function code, translating Modbus
// exception responses (fc | 0x80) into errors.
func checkException(pdu []byte, wantFC byte) error {
	if len(pdu) == 0 {
		return fmt.Errorf("empty response PDU")
	}
	fc := pdu[0]
	if fc == wantFC|exceptionFlag {
		code := byte(0)
		if len(pdu) > 1 {
			code = pdu[1]
		}
		return fmt.Errorf("modbus exception fc=%d code=%d (%s)", wantFC, code, exceptionName(code))
	}
	if fc != wantFC {
		return fmt.Errorf("unexpected function code %d, want %d", fc, wantFC)
	}
	return nil
}

func exceptionName(code byte) string {
	switch code {
	case 1:
		return "illegal function"
	case 2:
		return "illegal data address"
	case 3:
		return "illegal data value"
	case 4:
		return "server device failure"
	case 6:
		return "server device busy"
	default:
		return "unknown"
	}
}
