// Package charset transcodes webhook form fields into valid UTF-8.
//
// The inbound gateway forwards each field in whatever charset the original
// message declared and reports the mapping in a separate "charsets" field.
// Fields are transcoded here; bytes that survive no decoding are replaced
// with U+FFFD rather than dropped.
package charset

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// Decode converts raw field bytes declared as charsetName into UTF-8.
// An empty or unknown charset is treated as UTF-8 with a Latin-1 fallback.
// The result is always valid UTF-8.
func Decode(raw []byte, charsetName string) string {
	name := strings.ToLower(strings.TrimSpace(charsetName))

	if isUTF8Name(name) {
		return toValidUTF8(raw)
	}

	enc := lookup(name)
	if enc == nil {
		return toValidUTF8(raw)
	}

	decoded, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return toValidUTF8(raw)
	}
	return toValidUTF8(decoded)
}

// isUTF8Name reports whether the charset name is a UTF-8 or ASCII variant,
// both of which need validation rather than transcoding.
func isUTF8Name(name string) bool {
	switch name {
	case "", "utf-8", "utf8", "ascii", "us-ascii":
		return true
	}
	return false
}

// lookup resolves a charset name to an encoding, handling aliases that are
// missing from the IANA index. Returns nil when no decoder applies.
func lookup(name string) encoding.Encoding {
	switch name {
	case "latin1", "latin-1", "iso-8859-1", "iso8859-1":
		return charmap.ISO8859_1
	case "windows-1252", "cp1252":
		return charmap.Windows1252
	}

	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil
	}
	// The index maps some names (UTF-8 among them) to a nil encoding.
	return enc
}

// toValidUTF8 validates content, falling back to a Latin-1 reinterpretation
// of the invalid input. Latin-1 maps every byte, so the fallback cannot lose
// data; anything still invalid afterwards is replaced rune by rune.
func toValidUTF8(content []byte) string {
	if utf8.Valid(content) {
		return string(content)
	}

	decoded, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), content)
	if err == nil && utf8.Valid(decoded) {
		return string(decoded)
	}

	return strings.ToValidUTF8(string(content), "�")
}
