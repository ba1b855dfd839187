package bacnet

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Wire constants for the BACnet/IP ReadProperty exchange.
const (
	bvlcTypeIP          = 0x81
	bvlcOriginalUnicast = 0x0A

	npduVersion     = 0x01
	npduExpectReply = 0x04

	pduConfirmedRequest = 0x00
	pduComplexAck       = 0x30
	pduError            = 0x50
	pduReject           = 0x60
	pduAbort            = 0x70

	serviceReadProperty = 0x0C

	maxAPDU1476 = 0x05
)

// encodeReadProperty builds a full BVLC+NPDU+APDU frame for a confirmed
// ReadProperty request.
func encodeReadProperty(invokeID uint8, req ReadRequest) []byte {
	apdu := []byte{
		pduConfirmedRequest,
		maxAPDU1476,
		invokeID,
		serviceReadProperty,
	}

	// Context tag 0: object identifier (type in high 10 bits, instance low 22).
	objectID := uint32(req.ObjectType)<<22 | (req.Instance & 0x3FFFFF)
	apdu = append(apdu, 0x0C)
	apdu = binary.BigEndian.AppendUint32(apdu, objectID)

	// Context tag 1: property identifier.
	if req.Property < 0x100 {
		apdu = append(apdu, 0x19, byte(req.Property))
	} else {
		apdu = append(apdu, 0x1A, byte(req.Property>>8), byte(req.Property))
	}

	npdu := []byte{npduVersion, npduExpectReply}
	total := 4 + len(npdu) + len(apdu)

	frame := make([]byte, 0, total)
	frame = append(frame, bvlcTypeIP, bvlcOriginalUnicast)
	frame = binary.BigEndian.AppendUint16(frame, uint16(total))
	frame = append(frame, npdu...)
	frame = append(frame, apdu...)
	return frame
}

// decodeReadPropertyAck parses a response frame and extracts the property
// value as float64. It validates the invoke ID and never panics on malformed
// input: every failure is reported as a classified *Error.
func decodeReadPropertyAck(frame []byte, wantInvokeID uint8) (float64, error) {
	if len(frame) < 4 || frame[0] != bvlcTypeIP {
		return 0, &Error{Code: CodeProtocol, Detail: "short or non-BVLC frame"}
	}
	declared := int(binary.BigEndian.Uint16(frame[2:4]))
	if declared > len(frame) {
		return 0, &Error{Code: CodeProtocol, Detail: "BVLC length exceeds datagram"}
	}

	// Skip NPDU. Control octet may announce source/destination routing info;
	// the agent only speaks to directly addressed devices.
	if len(frame) < 6 || frame[4] != npduVersion {
		return 0, &Error{Code: CodeProtocol, Detail: "bad NPDU"}
	}
	control := frame[5]
	offset := 6
	if control&0x20 != 0 { // destination present
		if len(frame) < offset+3 {
			return 0, &Error{Code: CodeProtocol, Detail: "truncated NPDU destination"}
		}
		dlen := int(frame[offset+2])
		offset += 3 + dlen + 1 // DNET + DLEN + DADR + hop count
	}
	if control&0x08 != 0 { // source present
		if len(frame) < offset+3 {
			return 0, &Error{Code: CodeProtocol, Detail: "truncated NPDU source"}
		}
		slen := int(frame[offset+2])
		offset += 3 + slen
	}
	if len(frame) <= offset {
		return 0, &Error{Code: CodeProtocol, Detail: "missing APDU"}
	}

	apdu := frame[offset:]
	switch apdu[0] & 0xF0 {
	case pduComplexAck:
		// fallthrough to ACK parsing below
	case pduError:
		return 0, &Error{Code: CodeProtocol, Detail: "device returned Error-PDU"}
	case pduReject:
		return 0, &Error{Code: CodeProtocol, Detail: "device rejected request"}
	case pduAbort:
		return 0, &Error{Code: CodeProtocol, Detail: "device aborted request"}
	default:
		return 0, &Error{Code: CodeProtocol, Detail: fmt.Sprintf("unexpected PDU type 0x%02x", apdu[0])}
	}

	if len(apdu) < 3 {
		return 0, &Error{Code: CodeProtocol, Detail: "truncated ComplexACK"}
	}
	if apdu[1] != wantInvokeID {
		return 0, &Error{Code: CodeProtocol, Detail: "invoke ID mismatch"}
	}
	if apdu[2] != serviceReadProperty {
		return 0, &Error{Code: CodeProtocol, Detail: "unexpected service choice"}
	}

	// Walk the service ACK: tag0 objectID, tag1 property, optional tag2
	// array index, then tag3 opening, application-tagged value, tag3 closing.
	body := apdu[3:]
	i := 0
	skipContext := func() bool {
		if i >= len(body) {
			return false
		}
		tag := body[i]
		ln := int(tag & 0x07)
		i++
		if ln == 5 { // extended length
			if i >= len(body) {
				return false
			}
			ln = int(body[i])
			i++
		}
		if i+ln > len(body) {
			return false
		}
		i += ln
		return true
	}

	// tag0 object identifier and tag1 property identifier.
	if !skipContext() || !skipContext() {
		return 0, &Error{Code: CodeProtocol, Detail: "truncated ACK header"}
	}
	// Optional tag2 array index.
	if i < len(body) && body[i]&0xF8 == 0x28 {
		if !skipContext() {
			return 0, &Error{Code: CodeProtocol, Detail: "truncated array index"}
		}
	}
	// tag3 opening.
	if i >= len(body) || body[i] != 0x3E {
		return 0, &Error{Code: CodeProtocol, Detail: "missing value opening tag"}
	}
	i++

	return decodeApplicationValue(body[i:])
}

// decodeApplicationValue parses one application-tagged primitive into a
// float64. Unsupported tags are VALUE_PARSE failures, not protocol errors:
// the frame is well-formed, the configured register just is not numeric.
func decodeApplicationValue(b []byte) (float64, error) {
	if len(b) == 0 {
		return 0, &Error{Code: CodeProtocol, Detail: "empty value"}
	}
	tagNumber := b[0] >> 4
	lvt := int(b[0] & 0x07)
	payload := b[1:]

	switch tagNumber {
	case 1: // boolean; value carried in the length field
		if lvt == 1 {
			return 1, nil
		}
		return 0, nil
	case 2, 3: // unsigned / signed integer
		if lvt < 1 || lvt > 4 || len(payload) < lvt {
			return 0, &Error{Code: CodeProtocol, Detail: "bad integer length"}
		}
		var u uint32
		for _, by := range payload[:lvt] {
			u = u<<8 | uint32(by)
		}
		if tagNumber == 3 {
			// Sign-extend.
			shift := uint(32 - 8*lvt)
			return float64(int32(u<<shift) >> shift), nil
		}
		return float64(u), nil
	case 4: // real
		if lvt != 4 || len(payload) < 4 {
			return 0, &Error{Code: CodeProtocol, Detail: "bad real length"}
		}
		f := math.Float32frombits(binary.BigEndian.Uint32(payload[:4]))
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return 0, &Error{Code: CodeValueParse, Detail: "non-finite real"}
		}
		return float64(f), nil
	case 5: // double
		if lvt != 5 || len(payload) < 1+8 || payload[0] != 8 {
			return 0, &Error{Code: CodeProtocol, Detail: "bad double length"}
		}
		f := math.Float64frombits(binary.BigEndian.Uint64(payload[1:9]))
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, &Error{Code: CodeValueParse, Detail: "non-finite double"}
		}
		return f, nil
	case 9: // enumerated
		if lvt < 1 || lvt > 4 || len(payload) < lvt {
			return 0, &Error{Code: CodeProtocol, Detail: "bad enumerated length"}
		}
		var u uint32
		for _, by := range payload[:lvt] {
			u = u<<8 | uint32(by)
		}
		return float64(u), nil
	default:
		return 0, &Error{Code: CodeValueParse, Detail: fmt.Sprintf("unsupported application tag %d", tagNumber)}
	}
}
