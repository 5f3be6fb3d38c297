package charset

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestDecode_UTF8PassThrough(t *testing.T) {
	in := "héllo wörld"
	got := Decode([]byte(in), "UTF-8")
	if got != in {
		t.Errorf("Decode = %q, want %q", got, in)
	}
}

func TestDecode_EmptyCharsetDefaultsToUTF8(t *testing.T) {
	got := Decode([]byte("plain ascii"), "")
	if got != "plain ascii" {
		t.Errorf("Decode = %q, want %q", got, "plain ascii")
	}
}

func TestDecode_Latin1(t *testing.T) {
	// "café" in ISO-8859-1: é is 0xE9.
	raw := []byte{'c', 'a', 'f', 0xE9}
	got := Decode(raw, "ISO-8859-1")
	if got != "café" {
		t.Errorf("Decode = %q, want café", got)
	}
}

func TestDecode_Windows1252(t *testing.T) {
	// 0x93/0x94 are curly quotes in Windows-1252.
	raw := []byte{0x93, 'h', 'i', 0x94}
	got := Decode(raw, "windows-1252")
	if got != "“hi”" {
		t.Errorf("Decode = %q, want smart-quoted hi", got)
	}
}

func TestDecode_InvalidUTF8FallsBackToLatin1(t *testing.T) {
	raw := []byte{'a', 0xE9, 'b'}
	got := Decode(raw, "utf-8")
	if !utf8.ValidString(got) {
		t.Fatalf("Decode produced invalid UTF-8: %q", got)
	}
	if got != "aéb" {
		t.Errorf("Decode = %q, want aéb via Latin-1 fallback", got)
	}
}

func TestDecode_UnknownCharsetStillValid(t *testing.T) {
	raw := []byte{'x', 0xFF, 0xFE, 'y'}
	got := Decode(raw, "x-no-such-charset")
	if !utf8.ValidString(got) {
		t.Fatalf("Decode produced invalid UTF-8: %q", got)
	}
	if !strings.Contains(got, "x") || !strings.Contains(got, "y") {
		t.Errorf("Decode = %q, dropped surrounding bytes", got)
	}
}

func TestDecode_NeverDropsToEmpty(t *testing.T) {
	raw := []byte{0xFF, 0xFF}
	got := Decode(raw, "utf-8")
	if got == "" {
		t.Error("Decode returned empty string for undecodable input")
	}
	if !utf8.ValidString(got) {
		t.Errorf("Decode produced invalid UTF-8: %q", got)
	}
}
