// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestSymbolRoundTrip(t *testing.T) {
	long := strings.Repeat("M", 300)
	for _, sym := range []string{"", "ANONYMOUS", "SCRAM-SHA-256", long} {
		b := appendSymbol(nil, sym)
		d := &decoder{buf: b}
		got, err := d.symbol()
		if err != nil {
			t.Fatalf("decoding %q: %v", sym, err)
		}
		if got != sym {
			t.Errorf("round trip changed symbol: want %q, got %q", sym, got)
		}
		if d.remaining() != 0 {
			t.Errorf("decoding %q left %d bytes", sym, d.remaining())
		}
	}
	if b := appendSymbol(nil, long); b[0] != typeSym32 {
		t.Errorf("expected sym32 encoding for %d byte symbol", len(long))
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	for _, bin := range [][]byte{nil, {}, []byte("hunter2"), bytes.Repeat([]byte{0xff}, 256)} {
		b := appendBinary(nil, bin)
		d := &decoder{buf: b}
		got, err := d.binary()
		if err != nil {
			t.Fatalf("decoding %d bytes: %v", len(bin), err)
		}
		if !bytes.Equal(got, bin) {
			t.Errorf("round trip changed binary: want %x, got %x", bin, got)
		}
	}
}

func TestSymbolArrayRoundTrip(t *testing.T) {
	for _, test := range [][]string{
		nil,
		{"ANONYMOUS"},
		{"PLAIN", "ANONYMOUS"},
		{"EXTERNAL", "SCRAM-SHA-256", "SCRAM-SHA-1", "PLAIN", "ANONYMOUS"},
		{strings.Repeat("A", 300), "PLAIN"},
	} {
		b := appendSymbolArray(nil, test)
		d := &decoder{buf: b}
		got, err := d.symbols()
		if err != nil {
			t.Fatalf("decoding %v: %v", test, err)
		}
		if len(got) != len(test) {
			t.Fatalf("want %d symbols, got %d", len(test), len(got))
		}
		for i := range test {
			if got[i] != test[i] {
				t.Errorf("symbol %d: want %q, got %q", i, test[i], got[i])
			}
		}
	}
}

func TestListTrimsTrailingNulls(t *testing.T) {
	b := appendList(nil, [][]byte{
		appendSymbol(nil, "PLAIN"),
		{typeNull},
		{typeNull},
	})
	d := &decoder{buf: b}
	fields, count, err := d.list()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("want 1 field after trimming, got %d", count)
	}
	if s, err := fields.symbol(); err != nil || s != "PLAIN" {
		t.Errorf("want PLAIN, got %q, %v", s, err)
	}
}

func TestEmptyList(t *testing.T) {
	b := appendList(nil, nil)
	if len(b) != 1 || b[0] != typeList0 {
		t.Fatalf("want list0, got %x", b)
	}
	d := &decoder{buf: b}
	_, count, err := d.list()
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("want no fields, got %d", count)
	}
}
