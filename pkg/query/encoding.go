package query

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// TextEncoding converts between Go strings and the wire representation
// PostgreSQL expects for a given server_encoding: a UTF-8 fast path,
// falling back to a strict encoder that fails on unmappable characters.
type TextEncoding struct {
	name string
	enc  encoding.Encoding // nil for the UTF-8 fast path
}

// UTF8 is the default and by far the most common server_encoding; no
// conversion is needed since Go strings are already UTF-8.
var UTF8 = TextEncoding{name: "UTF8"}

// namedEncodings covers the non-UTF8 encodings this engine will accept
// a configured server_encoding as; unrecognized names fall back to
// UTF8, matching how the fast path is the safe default.
var namedEncodings = map[string]encoding.Encoding{
	"LATIN1":     charmap.ISO8859_1,
	"WIN1252":    charmap.Windows1252,
	"SQL_ASCII":  charmap.ISO8859_1,
	"ISO_8859_5": charmap.ISO8859_5,
}

// NewTextEncoding resolves a server_encoding name to a TextEncoding.
func NewTextEncoding(serverEncoding string) TextEncoding {
	if serverEncoding == "" || serverEncoding == "UTF8" || serverEncoding == "UTF-8" {
		return UTF8
	}
	if enc, ok := namedEncodings[serverEncoding]; ok {
		return TextEncoding{name: serverEncoding, enc: enc}
	}
	return UTF8
}

// Encode converts a parameter value into wire bytes, failing on
// characters unmappable in the target encoding.
func (t TextEncoding) Encode(s string) ([]byte, error) {
	if t.enc == nil {
		return []byte(s), nil
	}
	out, err := t.enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("pgengine: query: encoding %q: %w", t.name, err)
	}
	return out, nil
}

// Decode converts a wire-format row field into a Go string.
func (t TextEncoding) Decode(b []byte) (string, error) {
	if t.enc == nil {
		if !utf8.Valid(b) {
			return "", fmt.Errorf("pgengine: query: invalid UTF-8 in row field")
		}
		return string(b), nil
	}
	out, err := t.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("pgengine: query: decoding %q: %w", t.name, err)
	}
	return string(out), nil
}
