// Package wire decodes the gateway's multipart webhook payload into a field
// map. The gateway is not always well behaved: boundaries go missing from
// the content-type, fields arrive in undeclared charsets, and bodies carry
// bytes that are not UTF-8. The decoder recovers what it can and fails only
// when nothing recognizable remains.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"regexp"
	"strings"

	"github.com/arganhr/mailroom/internal/charset"
)

// DefaultBoundary is used when the content-type carries no boundary
// parameter. It is the gateway's documented default.
const DefaultBoundary = "xYzZY"

// boundaryScanLimit bounds the autodetection scan of the payload prefix.
const boundaryScanLimit = 200

// ErrNoParts is returned when the payload contains zero recognizable parts
// and no fields could be reconstructed.
var ErrNoParts = errors.New("no recognizable multipart content")

// boundaryToken matches a candidate boundary after a leading "--" marker.
// RFC 2046 bchars, minus trailing whitespace handling done separately.
var boundaryToken = regexp.MustCompile(`--([0-9A-Za-z'()+_,\-./:=?]{1,70})`)

// Result is a decoded payload.
type Result struct {
	// Fields maps form field names to transcoded UTF-8 values. Parts with
	// empty bodies are present with empty values.
	Fields map[string]string
	// Recovered is true when the declared boundary failed and the payload
	// was re-parsed with an autodetected one.
	Recovered bool
	// Diagnostic describes a partial parse. Empty on a clean decode.
	Diagnostic string
}

// Decode parses raw multipart bytes using the boundary from contentType.
// If the declared (or default) boundary yields fewer than two parts, the
// payload prefix is scanned for a boundary marker and parsing is retried
// once. A partial map plus diagnostic is preferred over failure; the only
// error is ErrNoParts.
func Decode(raw []byte, contentType string) (*Result, error) {
	boundary := boundaryFromContentType(contentType)

	fields, parts, parseErr := parseParts(raw, boundary)
	recovered := false

	if parts < 2 {
		if alt := scanBoundary(raw); alt != "" && alt != boundary {
			altFields, altParts, altErr := parseParts(raw, alt)
			if altParts > parts {
				fields, parts, parseErr = altFields, altParts, altErr
				recovered = true
			}
		}
	}

	if parts == 0 && len(fields) == 0 {
		return nil, fmt.Errorf("%w: boundary %q", ErrNoParts, boundary)
	}

	res := &Result{Fields: transcode(fields), Recovered: recovered}
	if parseErr != nil {
		res.Diagnostic = fmt.Sprintf("partial decode after %d parts: %v", parts, parseErr)
	}
	return res, nil
}

// boundaryFromContentType extracts the boundary parameter, falling back to
// DefaultBoundary when the header is absent or malformed.
func boundaryFromContentType(contentType string) string {
	if contentType == "" {
		return DefaultBoundary
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil || params["boundary"] == "" {
		return DefaultBoundary
	}
	return params["boundary"]
}

// parseParts reads every part it can, keyed by the name parameter of the
// content-disposition. Parts without a name are skipped; a mid-stream parse
// error terminates the walk but keeps everything read so far.
func parseParts(raw []byte, boundary string) (map[string][]byte, int, error) {
	fields := make(map[string][]byte)
	parts := 0

	mr := multipart.NewReader(bytes.NewReader(raw), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return fields, parts, nil
		}
		if err != nil {
			return fields, parts, err
		}

		name := part.FormName()
		value, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			if name != "" {
				fields[name] = value
			}
			return fields, parts + 1, err
		}

		parts++
		if name == "" {
			continue
		}
		fields[name] = value
	}
}

// scanBoundary looks for "--" followed by a boundary token in the payload
// prefix and returns the token, or "" when none is found.
func scanBoundary(raw []byte) string {
	prefix := raw
	if len(prefix) > boundaryScanLimit {
		prefix = prefix[:boundaryScanLimit]
	}
	m := boundaryToken.FindSubmatch(prefix)
	if m == nil {
		return ""
	}
	return strings.TrimRight(string(m[1]), "-")
}

// transcode converts every field to UTF-8 using the per-field charset map
// the gateway delivers in the "charsets" field, when present.
func transcode(fields map[string][]byte) map[string]string {
	declared := map[string]string{}
	if raw, ok := fields["charsets"]; ok {
		// Best effort; an unparseable charsets field leaves everything UTF-8.
		_ = json.Unmarshal(raw, &declared)
	}

	out := make(map[string]string, len(fields))
	for name, value := range fields {
		out[name] = charset.Decode(value, declared[name])
	}
	return out
}
