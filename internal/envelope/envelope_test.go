package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

// TestEncodeDecodeRoundTrip verifies that Decode inverts Encode for every
// message type.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		typ  Type
		data string
	}{
		{"offer", TypeOffer, `{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n"}`},
		{"answer", TypeAnswer, `{"type":"answer","sdp":"v=0\r\n"}`},
		{"ice candidate", TypeICECandidate, `{"candidate":"candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}`},
		{"empty object", TypeICECandidate, `{}`},
		{"unknown type survives codec", Type("bogus"), `{"x":[1,2,3]}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(tc.typ, json.RawMessage(tc.data))
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if bytes.IndexByte(encoded, '\n') >= 0 {
				t.Fatalf("encoded envelope contains a newline: %q", encoded)
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if decoded.Type != tc.typ {
				t.Errorf("Type mismatch: got %q, want %q", decoded.Type, tc.typ)
			}
			if string(decoded.Data) != tc.data {
				t.Errorf("Data mismatch: got %s, want %s", decoded.Data, tc.data)
			}
		})
	}
}

// TestEncodeStructPayload verifies that arbitrary values are marshalled.
func TestEncodeStructPayload(t *testing.T) {
	payload := struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}{"offer", "v=0"}

	encoded, err := Encode(TypeOffer, payload)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := `{"type":"offer","data":{"type":"offer","sdp":"v=0"}}`
	if string(encoded) != want {
		t.Errorf("got %s, want %s", encoded, want)
	}
}

// TestEncodeRejectsNonObject verifies that scalar payloads cannot be sent.
func TestEncodeRejectsNonObject(t *testing.T) {
	for _, payload := range []any{"text", 42, nil, []int{1}} {
		if _, err := Encode(TypeOffer, payload); err == nil {
			t.Errorf("Encode(%v): expected error, got nil", payload)
		}
	}
}

// TestEncodeCompactsPayload verifies that a pre-encoded payload containing
// newlines is compacted onto one line.
func TestEncodeCompactsPayload(t *testing.T) {
	encoded, err := Encode(TypeAnswer, json.RawMessage("{\n  \"sdp\": \"x\"\n}"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if bytes.IndexByte(encoded, '\n') >= 0 {
		t.Fatalf("encoded envelope contains a newline: %q", encoded)
	}
}

// TestDecodeMalformed verifies that every malformed input is reported as
// ErrMalformedEnvelope rather than crashing.
func TestDecodeMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{"empty", ``},
		{"garbage", `\x00\x01\x02`},
		{"truncated", `{"type":"offer","data":{`},
		{"null", `null`},
		{"array", `[{"type":"offer","data":{}}]`},
		{"string", `"offer"`},
		{"missing type", `{"data":{}}`},
		{"numeric type", `{"type":1,"data":{}}`},
		{"null type", `{"type":null,"data":{}}`},
		{"missing data", `{"type":"offer"}`},
		{"null data", `{"type":"offer","data":null}`},
		{"string data", `{"type":"offer","data":"v=0"}`},
		{"array data", `{"type":"offer","data":[]}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			if !errors.Is(err, ErrMalformedEnvelope) {
				t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
			}
		})
	}
}

// TestDecodeBytesNeverPanics feeds every prefix of a valid envelope to Decode.
func TestDecodeBytesNeverPanics(t *testing.T) {
	valid := []byte(`{"type":"iceCandidate","data":{"candidate":"c","sdpMid":"audio"}}`)
	for i := 0; i < len(valid); i++ {
		if _, err := Decode(valid[:i]); !errors.Is(err, ErrMalformedEnvelope) {
			t.Fatalf("prefix %d: expected ErrMalformedEnvelope, got %v", i, err)
		}
	}
	if _, err := Decode(valid); err != nil {
		t.Fatalf("full envelope: %v", err)
	}
}

// TestTypeKnown verifies the closed set of message types.
func TestTypeKnown(t *testing.T) {
	for _, typ := range []Type{TypeOffer, TypeAnswer, TypeICECandidate} {
		if !typ.Known() {
			t.Errorf("%q should be known", typ)
		}
	}
	for _, typ := range []Type{"", "bogus", "candidate", "Offer"} {
		if typ.Known() {
			t.Errorf("%q should not be known", typ)
		}
	}
}

// TestFrameRoundTrip verifies that frames written by FrameWriter are read
// back unchanged and in order.
func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)

	frames := []string{
		`{"type":"offer","data":{"sdp":"a"}}`,
		`{"type":"answer","data":{"sdp":"b"}}`,
		`{"type":"iceCandidate","data":{"candidate":"c"}}`,
	}
	for _, f := range frames {
		if err := fw.WriteFrame([]byte(f)); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	fr := NewFrameReader(&buf)
	for i, want := range frames {
		got, err := fr.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if string(got) != want {
			t.Errorf("frame %d: got %s, want %s", i, got, want)
		}
	}
	if _, err := fr.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

// TestFrameReaderSkipsBlankLines verifies CRLF and blank line tolerance.
func TestFrameReaderSkipsBlankLines(t *testing.T) {
	fr := NewFrameReader(strings.NewReader("\n\r\n{\"a\":1}\r\n\n{\"b\":2}"))

	for _, want := range []string{`{"a":1}`, `{"b":2}`} {
		got, err := fr.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if string(got) != want {
			t.Errorf("got %s, want %s", got, want)
		}
	}
}

// TestFrameWriterRejectsNewline verifies that a frame cannot break framing.
func TestFrameWriterRejectsNewline(t *testing.T) {
	var buf bytes.Buffer
	if err := NewFrameWriter(&buf).WriteFrame([]byte("a\nb")); err == nil {
		t.Fatal("expected error for frame containing a newline")
	}
	if buf.Len() != 0 {
		t.Errorf("nothing should be written, got %q", buf.String())
	}
}

// TestFrameReaderTooLong verifies that an unterminated oversized frame is an
// error rather than an unbounded buffer.
func TestFrameReaderTooLong(t *testing.T) {
	huge := strings.Repeat("x", MaxFrameSize+1)
	_, err := NewFrameReader(strings.NewReader(huge)).Next()
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected size error, got %v", err)
	}
	if !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("unexpected error: %v", err)
	}
}
