package rtcstream

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// EncodingBuffer is the read encoding under which chunks carry raw bytes
// only.
const EncodingBuffer = "buffer"

// Chunk is one unit of data emitted by a stream. Text is populated when the
// stream has a text read encoding.
type Chunk struct {
	Data     []byte
	Text     string
	Encoding string
}

// IsText reports whether the chunk was decoded under a text encoding.
func (c Chunk) IsText() bool {
	return c.Encoding != "" && c.Encoding != EncodingBuffer
}

// String returns the decoded text, or the raw bytes as a string.
func (c Chunk) String() string {
	if c.IsText() {
		return c.Text
	}
	return string(c.Data)
}

// textCodec converts between bytes and text for one named encoding.
type textCodec interface {
	decode(p []byte) string
	encode(s string) ([]byte, error)
}

// lookupEncoding resolves an encoding name. EncodingBuffer resolves to a nil
// codec.
func lookupEncoding(name string) (textCodec, bool) {
	switch strings.ToLower(name) {
	case EncodingBuffer:
		return nil, true
	case "utf8", "utf-8":
		return xtextCodec{unicode.UTF8}, true
	case "hex":
		return hexCodec{}, true
	case "base64":
		return base64Codec{}, true
	case "latin1", "binary":
		return xtextCodec{charmap.ISO8859_1}, true
	case "ascii":
		return asciiCodec{}, true
	case "ucs2", "ucs-2", "utf16le", "utf-16le":
		return xtextCodec{unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)}, true
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, false
	}
	return xtextCodec{enc}, true
}

func chunkOf(p []byte, name string, codec textCodec) Chunk {
	c := Chunk{Data: p, Encoding: name}
	if codec != nil {
		c.Text = codec.decode(p)
	}
	return c
}

type xtextCodec struct {
	enc encoding.Encoding
}

func (c xtextCodec) decode(p []byte) string {
	out, err := c.enc.NewDecoder().Bytes(p)
	if err != nil {
		return strings.ToValidUTF8(string(p), "�")
	}
	return string(out)
}

func (c xtextCodec) encode(s string) ([]byte, error) {
	return c.enc.NewEncoder().Bytes([]byte(s))
}

type hexCodec struct{}

func (hexCodec) decode(p []byte) string { return hex.EncodeToString(p) }

func (hexCodec) encode(s string) ([]byte, error) { return hex.DecodeString(s) }

type base64Codec struct{}

func (base64Codec) decode(p []byte) string { return base64.StdEncoding.EncodeToString(p) }

func (base64Codec) encode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// asciiCodec drops the high bit of every byte.
type asciiCodec struct{}

func (asciiCodec) decode(p []byte) string {
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b & 0x7f
	}
	return string(out)
}

func (asciiCodec) encode(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0x7f {
			return nil, fmt.Errorf("non-ASCII character %q", r)
		}
		out = append(out, byte(r))
	}
	return out, nil
}
