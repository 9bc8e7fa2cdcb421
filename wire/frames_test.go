// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestSniffHeader(t *testing.T) {
	for _, test := range []struct {
		b    []byte
		want HeaderKind
	}{
		{nil, HeaderInsufficient},
		{[]byte("AMQP"), HeaderInsufficient},
		{[]byte{'A', 'M', 'Q', 'P', 3}, HeaderInsufficient},
		{SASLHeader[:], HeaderSASL},
		{append(SASLHeader[:], 0xde, 0xad), HeaderSASL},
		{AMQPHeader[:], HeaderAMQP},
		{[]byte("HTTP/1.1"), HeaderOther},
		{[]byte("GET "), HeaderOther},
		{[]byte{'A', 'M', 'Q', 'P', 9, 9, 9, 9}, HeaderOther},
	} {
		if got := SniffHeader(test.b); got != test.want {
			t.Errorf("SniffHeader(%q): want %v, got %v", test.b, test.want, got)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	for _, p := range []Performative{
		Mechanisms{},
		Mechanisms{Mechanisms: []string{"ANONYMOUS"}},
		Mechanisms{Mechanisms: []string{"EXTERNAL", "PLAIN", "ANONYMOUS"}},
		Init{Mechanism: "PLAIN", InitialResponse: []byte("\x00user\x00pass")},
		Init{Mechanism: "ANONYMOUS", Hostname: "broker.example.net"},
		Challenge{Challenge: []byte("r=nonce,s=salt,i=4096")},
		Challenge{},
		Response{Response: []byte("c=biws,r=nonce,p=proof")},
		Outcome{Code: 0},
		Outcome{Code: 1, AdditionalData: []byte("try harder")},
	} {
		t.Run(p.Name(), func(t *testing.T) {
			b := Marshal(p)
			got, n, err := Unmarshal(b, DefaultMaxFrame)
			if err != nil {
				t.Fatal(err)
			}
			if n != len(b) {
				t.Fatalf("consumed %d of %d bytes", n, len(b))
			}
			switch want := p.(type) {
			case Mechanisms:
				m := got.(Mechanisms)
				if len(m.Mechanisms) != len(want.Mechanisms) {
					t.Fatalf("want %v, got %v", want.Mechanisms, m.Mechanisms)
				}
				for i := range want.Mechanisms {
					if m.Mechanisms[i] != want.Mechanisms[i] {
						t.Errorf("mechanism %d: want %q, got %q", i, want.Mechanisms[i], m.Mechanisms[i])
					}
				}
			case Init:
				i := got.(Init)
				if i.Mechanism != want.Mechanism || i.Hostname != want.Hostname || !bytes.Equal(i.InitialResponse, want.InitialResponse) {
					t.Errorf("want %+v, got %+v", want, i)
				}
			case Challenge:
				if c := got.(Challenge); !bytes.Equal(c.Challenge, want.Challenge) {
					t.Errorf("want %x, got %x", want.Challenge, c.Challenge)
				}
			case Response:
				if r := got.(Response); !bytes.Equal(r.Response, want.Response) {
					t.Errorf("want %x, got %x", want.Response, r.Response)
				}
			case Outcome:
				o := got.(Outcome)
				if o.Code != want.Code || !bytes.Equal(o.AdditionalData, want.AdditionalData) {
					t.Errorf("want %+v, got %+v", want, o)
				}
			}
		})
	}
}

func TestUnmarshalPartial(t *testing.T) {
	b := Marshal(Init{Mechanism: "PLAIN", InitialResponse: []byte("x")})
	for i := 0; i < len(b); i++ {
		p, n, err := Unmarshal(b[:i], DefaultMaxFrame)
		if p != nil || n != 0 || err != nil {
			t.Fatalf("partial frame of %d bytes: p=%v n=%d err=%v", i, p, n, err)
		}
	}
}

func TestUnmarshalErrors(t *testing.T) {
	good := Marshal(Outcome{Code: 0})

	tooSmall := make([]byte, len(good))
	copy(tooSmall, good)
	tooSmall[3] = 4 // size below the frame header length

	amqpType := make([]byte, len(good))
	copy(amqpType, good)
	amqpType[5] = 0

	badDescriptor := make([]byte, len(good))
	copy(badDescriptor, good)
	badDescriptor[10] = 0x77

	for _, test := range []struct {
		name string
		b    []byte
	}{
		{"size below minimum", tooSmall},
		{"amqp frame type", amqpType},
		{"unknown descriptor", badDescriptor},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, _, err := Unmarshal(test.b, DefaultMaxFrame)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("want ErrMalformed, got %v", err)
			}
		})
	}

	huge := make([]byte, 8)
	copy(huge, []byte{0x00, 0x10, 0x00, 0x00, 2, 1, 0, 0})
	if _, _, err := Unmarshal(huge, DefaultMaxFrame); !errors.Is(err, ErrTooBig) {
		t.Fatalf("want ErrTooBig, got %v", err)
	}
}

func TestEmptyFrameIsKeepalive(t *testing.T) {
	b := []byte{0, 0, 0, 8, 2, 1, 0, 0}
	p, n, err := Unmarshal(b, DefaultMaxFrame)
	if err != nil {
		t.Fatal(err)
	}
	if p != nil || n != 8 {
		t.Fatalf("want nil performative and 8 consumed, got %v, %d", p, n)
	}
}

func TestDispatcher(t *testing.T) {
	var d Dispatcher
	d.Post(Mechanisms{Mechanisms: []string{"ANONYMOUS"}})
	d.Post(Outcome{Code: 0})
	if !d.Pending() {
		t.Fatal("expected pending output")
	}

	// Drain in deliberately tiny chunks to exercise partial drains.
	var stream []byte
	buf := make([]byte, 3)
	for d.Pending() {
		m := d.Drain(buf)
		stream = append(stream, buf[:m]...)
	}

	var in Dispatcher
	var got []Performative
	handler := handlerFunc(func(p Performative) error {
		got = append(got, p)
		return nil
	})

	// Feed one byte at a time: the dispatcher must hold partial frames.
	consumed := 0
	for i := 1; i <= len(stream); i++ {
		n, err := in.Feed(stream[consumed:i], handler)
		if err != nil {
			t.Fatal(err)
		}
		consumed += n
	}
	if consumed != len(stream) {
		t.Fatalf("consumed %d of %d bytes", consumed, len(stream))
	}
	if len(got) != 2 {
		t.Fatalf("want 2 performatives, got %d", len(got))
	}
	if _, ok := got[0].(Mechanisms); !ok {
		t.Errorf("want Mechanisms first, got %T", got[0])
	}
	if _, ok := got[1].(Outcome); !ok {
		t.Errorf("want Outcome second, got %T", got[1])
	}
}

type handlerFunc func(Performative) error

func (f handlerFunc) HandlePerformative(p Performative) error { return f(p) }
