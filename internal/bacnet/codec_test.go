package bacnet

import (
	"encoding/binary"
	"math"
	"testing"
)

// buildAck constructs a well-formed ComplexACK frame around an
// application-tagged value payload.
func buildAck(invokeID uint8, value []byte) []byte {
	apdu := []byte{pduComplexAck, invokeID, serviceReadProperty}
	// tag0 object identifier: analog-input 0.
	objectID := uint32(0)<<22 | 0
	apdu = append(apdu, 0x0C)
	apdu = binary.BigEndian.AppendUint32(apdu, objectID)
	// tag1 property: present-value (85).
	apdu = append(apdu, 0x19, 85)
	// tag3 opening, value, tag3 closing.
	apdu = append(apdu, 0x3E)
	apdu = append(apdu, value...)
	apdu = append(apdu, 0x3F)

	npdu := []byte{npduVersion, 0x00}
	total := 4 + len(npdu) + len(apdu)
	frame := []byte{bvlcTypeIP, bvlcOriginalUnicast}
	frame = binary.BigEndian.AppendUint16(frame, uint16(total))
	frame = append(frame, npdu...)
	frame = append(frame, apdu...)
	return frame
}

func realBytes(f float32) []byte {
	out := []byte{0x44}
	return binary.BigEndian.AppendUint32(out, math.Float32bits(f))
}

func TestDecodeReadPropertyAck_Real(t *testing.T) {
	frame := buildAck(7, realBytes(230.1))

	v, err := decodeReadPropertyAck(frame, 7)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if math.Abs(v-230.1) > 0.001 {
		t.Errorf("value = %v, want 230.1", v)
	}
}

func TestDecodeReadPropertyAck_Unsigned(t *testing.T) {
	frame := buildAck(1, []byte{0x22, 0x01, 0x2C}) // unsigned, 2 bytes, 300

	v, err := decodeReadPropertyAck(frame, 1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v != 300 {
		t.Errorf("value = %v, want 300", v)
	}
}

func TestDecodeReadPropertyAck_Enumerated(t *testing.T) {
	frame := buildAck(2, []byte{0x91, 0x01})

	v, err := decodeReadPropertyAck(frame, 2)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v != 1 {
		t.Errorf("value = %v, want 1", v)
	}
}

func TestDecodeReadPropertyAck_InvokeIDMismatch(t *testing.T) {
	frame := buildAck(3, realBytes(1))

	_, err := decodeReadPropertyAck(frame, 4)
	if CodeOf(err) != CodeProtocol {
		t.Fatalf("expected PROTOCOL_ERROR, got %v", err)
	}
}

func TestDecodeReadPropertyAck_ErrorPDU(t *testing.T) {
	apdu := []byte{pduError, 3, serviceReadProperty, 0x91, 0x02, 0x91, 0x20}
	npdu := []byte{npduVersion, 0x00}
	total := 4 + len(npdu) + len(apdu)
	frame := []byte{bvlcTypeIP, bvlcOriginalUnicast}
	frame = binary.BigEndian.AppendUint16(frame, uint16(total))
	frame = append(frame, npdu...)
	frame = append(frame, apdu...)

	_, err := decodeReadPropertyAck(frame, 3)
	if CodeOf(err) != CodeProtocol {
		t.Fatalf("expected PROTOCOL_ERROR for Error-PDU, got %v", err)
	}
}

// Malformed input must produce classified errors, never a panic.
func TestDecodeReadPropertyAck_MalformedNoPanic(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x81},
		{0x81, 0x0A, 0x00},
		{0x81, 0x0A, 0xFF, 0xFF, 0x01, 0x00}, // declared length beyond datagram
		{0x81, 0x0A, 0x00, 0x06, 0x02, 0x00}, // wrong NPDU version
		buildAck(1, nil)[:10],                // truncated mid-APDU
		buildAck(1, []byte{0x44, 0x01}),      // short real
	}
	for i, frame := range cases {
		if _, err := decodeReadPropertyAck(frame, 1); err == nil {
			t.Errorf("case %d: expected error for malformed frame", i)
		}
	}
}

func TestDecodeApplicationValue_UnsupportedTag(t *testing.T) {
	// Character string (tag 7) is not a numeric register value.
	_, err := decodeApplicationValue([]byte{0x75, 0x03, 0x00, 'h', 'i'})
	if CodeOf(err) != CodeValueParse {
		t.Fatalf("expected VALUE_PARSE, got %v", err)
	}
}

func TestDecodeApplicationValue_SignedNegative(t *testing.T) {
	v, err := decodeApplicationValue([]byte{0x31, 0xFF}) // signed, 1 byte, -1
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v != -1 {
		t.Errorf("value = %v, want -1", v)
	}
}

func TestEncodeReadProperty_Frame(t *testing.T) {
	frame := encodeReadProperty(9, ReadRequest{ObjectType: 0, Instance: 5, Property: 85})

	if frame[0] != bvlcTypeIP || frame[1] != bvlcOriginalUnicast {
		t.Fatal("bad BVLC header")
	}
	if int(binary.BigEndian.Uint16(frame[2:4])) != len(frame) {
		t.Fatal("BVLC length mismatch")
	}
	apdu := frame[6:]
	if apdu[0] != pduConfirmedRequest || apdu[2] != 9 || apdu[3] != serviceReadProperty {
		t.Fatal("bad APDU header")
	}
	objectID := binary.BigEndian.Uint32(apdu[5:9])
	if objectID>>22 != 0 || objectID&0x3FFFFF != 5 {
		t.Errorf("object id = %x", objectID)
	}
	if apdu[9] != 0x19 || apdu[10] != 85 {
		t.Error("bad property tag")
	}
}
