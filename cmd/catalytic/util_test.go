package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := printJSON(&buf, map[string]int{"a": 1}); err != nil {
		t.Fatalf("printJSON: %v", err)
	}
	if got := buf.String(); got != "{\n  \"a\": 1\n}\n" {
		t.Fatalf("unexpected output %q", got)
	}
	if err := printJSON(&buf, make(chan int)); err == nil {
		t.Fatal("expected encode error for a channel")
	}
}

func TestPrintable(t *testing.T) {
	cases := map[string]string{
		"3.14\r\n":   "3.14\r\n",
		"":           "",
		"\x00\x01":   "",
		"\xff\xfe":   "",
		"ok\tfine\n": "ok\tfine\n",
	}
	for in, want := range cases {
		if got := printable([]byte(in)); got != want {
			t.Errorf("printable(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParsePayload(t *testing.T) {
	b, err := parsePayload(`*IDN?\n`, false)
	if err != nil || string(b) != "*IDN?\n" {
		t.Fatalf("escape: %q %v", b, err)
	}
	b, err = parsePayload(`DISP "hi"\r`, false)
	if err != nil || string(b) != "DISP \"hi\"\r" {
		t.Fatalf("quotes: %q %v", b, err)
	}
	b, err = parsePayload("0a 0d", true)
	if err != nil || !bytes.Equal(b, []byte{0x0a, 0x0d}) {
		t.Fatalf("hex: %v %v", b, err)
	}
	if b, err := parsePayload("", false); err != nil || b != nil {
		t.Fatalf("empty: %v %v", b, err)
	}
	if _, err := parsePayload("zz", true); err == nil || !strings.Contains(err.Error(), "hex") {
		t.Fatalf("expected hex error, got %v", err)
	}
	if _, err := parsePayload(`bad\q`, false); err == nil {
		t.Fatal("expected escape error")
	}
}
