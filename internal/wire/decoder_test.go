package wire

import (
	"bytes"
	"errors"
	"mime/multipart"
	"testing"
	"unicode/utf8"
)

// buildPayload assembles a multipart body with the given boundary.
func buildPayload(t *testing.T, boundary string, fields map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(boundary); err != nil {
		t.Fatalf("SetBoundary: %v", err)
	}
	for name, value := range fields {
		fw, err := w.CreateFormField(name)
		if err != nil {
			t.Fatalf("CreateFormField: %v", err)
		}
		if _, err := fw.Write([]byte(value)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	w.Close()
	return buf.Bytes()
}

func TestDecode_DeclaredBoundary(t *testing.T) {
	raw := buildPayload(t, "xYzZY", map[string]string{
		"to":      "advice@ops.example",
		"from":    "John Smith <js@client.example>",
		"subject": "Holiday policy question",
	})

	res, err := Decode(raw, `multipart/form-data; boundary=xYzZY`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Fields["to"] != "advice@ops.example" {
		t.Errorf("to = %q", res.Fields["to"])
	}
	if res.Fields["from"] != "John Smith <js@client.example>" {
		t.Errorf("from = %q", res.Fields["from"])
	}
	if res.Recovered {
		t.Error("Recovered = true, want false for declared boundary")
	}
	if res.Diagnostic != "" {
		t.Errorf("Diagnostic = %q, want empty", res.Diagnostic)
	}
}

func TestDecode_DefaultBoundaryWhenHeaderMissing(t *testing.T) {
	raw := buildPayload(t, DefaultBoundary, map[string]string{
		"to":   "advice@ops.example",
		"from": "js@client.example",
	})

	res, err := Decode(raw, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Fields) != 2 {
		t.Errorf("fields = %d, want 2", len(res.Fields))
	}
}

func TestDecode_BoundaryAutodetect(t *testing.T) {
	raw := buildPayload(t, "detectme123", map[string]string{
		"to":   "advice@ops.example",
		"from": "js@client.example",
	})

	// Declared boundary is wrong; the scanner should find detectme123.
	res, err := Decode(raw, `multipart/form-data; boundary=wrong`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Recovered {
		t.Error("Recovered = false, want true after autodetect")
	}
	if res.Fields["to"] != "advice@ops.example" {
		t.Errorf("to = %q", res.Fields["to"])
	}
}

func TestDecode_EmptyPartEmitted(t *testing.T) {
	raw := buildPayload(t, "xYzZY", map[string]string{
		"to":      "advice@ops.example",
		"subject": "",
	})

	res, err := Decode(raw, `multipart/form-data; boundary=xYzZY`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := res.Fields["subject"]
	if !ok {
		t.Fatal("empty subject part was not emitted")
	}
	if v != "" {
		t.Errorf("subject = %q, want empty", v)
	}
}

func TestDecode_GarbageFails(t *testing.T) {
	_, err := Decode([]byte("this is not multipart at all"), "")
	if !errors.Is(err, ErrNoParts) {
		t.Errorf("error = %v, want ErrNoParts", err)
	}
}

func TestDecode_InvalidUTF8Replaced(t *testing.T) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.SetBoundary("xYzZY")
	fw, _ := w.CreateFormField("text")
	fw.Write([]byte{'o', 'k', 0xFF, 0xFE, '!'})
	fw2, _ := w.CreateFormField("from")
	fw2.Write([]byte("a@b.example"))
	w.Close()

	res, err := Decode(buf.Bytes(), `multipart/form-data; boundary=xYzZY`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !utf8.ValidString(res.Fields["text"]) {
		t.Errorf("text = %q is not valid UTF-8", res.Fields["text"])
	}
	if res.Fields["text"] == "" {
		t.Error("undecodable bytes were dropped instead of replaced")
	}
}

func TestDecode_CharsetsFieldApplied(t *testing.T) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.SetBoundary("xYzZY")
	fw, _ := w.CreateFormField("subject")
	fw.Write([]byte{'c', 'a', 'f', 0xE9}) // "café" in ISO-8859-1
	cw, _ := w.CreateFormField("charsets")
	cw.Write([]byte(`{"subject":"ISO-8859-1"}`))
	w.Close()

	res, err := Decode(buf.Bytes(), `multipart/form-data; boundary=xYzZY`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Fields["subject"] != "café" {
		t.Errorf("subject = %q, want café", res.Fields["subject"])
	}
}
