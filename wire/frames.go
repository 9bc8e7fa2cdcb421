// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the length of an AMQP protocol header.
const HeaderLen = 8

// Protocol headers exchanged before any frame. The SASL header announces
// protocol id 3, the plain AMQP header protocol id 0.
var (
	SASLHeader = [HeaderLen]byte{'A', 'M', 'Q', 'P', 3, 1, 0, 0}
	AMQPHeader = [HeaderLen]byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}
)

// HeaderKind is the verdict of sniffing the first bytes of a stream.
type HeaderKind int

const (
	// HeaderInsufficient means fewer than eight bytes are available and no
	// verdict is possible yet.
	HeaderInsufficient HeaderKind = iota

	// HeaderSASL is the SASL protocol header.
	HeaderSASL

	// HeaderAMQP is the plain AMQP protocol header.
	HeaderAMQP

	// HeaderOther is anything else.
	HeaderOther
)

// SniffHeader classifies the first bytes of a stream.
func SniffHeader(b []byte) HeaderKind {
	if len(b) < HeaderLen {
		// A short buffer that already deviates from both headers can
		// never become a valid header with more bytes.
		for i, c := range b {
			if c != SASLHeader[i] && c != AMQPHeader[i] {
				return HeaderOther
			}
		}
		return HeaderInsufficient
	}
	switch hdr := *(*[HeaderLen]byte)(b[:HeaderLen]); hdr {
	case SASLHeader:
		return HeaderSASL
	case AMQPHeader:
		return HeaderAMQP
	}
	return HeaderOther
}

// SASL performative descriptor codes.
const (
	codeMechanisms = 0x40
	codeInit       = 0x41
	codeChallenge  = 0x42
	codeResponse   = 0x43
	codeOutcome    = 0x44
)

// frameTypeSASL is the frame type octet for SASL frames.
const frameTypeSASL = 1

// A Performative is the body of a single SASL frame.
type Performative interface {
	// Name returns the short name of the performative for tracing.
	Name() string

	descriptor() byte
	body() []byte
}

// Mechanisms is the sasl-mechanisms performative advertising the mechanisms
// supported by the server.
type Mechanisms struct {
	Mechanisms []string
}

// Name implements Performative.
func (Mechanisms) Name() string { return "sasl-mechanisms" }

func (Mechanisms) descriptor() byte { return codeMechanisms }

func (m Mechanisms) body() []byte {
	return appendList(nil, [][]byte{appendSymbolArray(nil, m.Mechanisms)})
}

// Init is the sasl-init performative selecting a mechanism.
type Init struct {
	Mechanism       string
	InitialResponse []byte
	Hostname        string
}

// Name implements Performative.
func (Init) Name() string { return "sasl-init" }

func (Init) descriptor() byte { return codeInit }

func (i Init) body() []byte {
	host := []byte{typeNull}
	if i.Hostname != "" {
		host = appendString(nil, i.Hostname)
	}
	return appendList(nil, [][]byte{
		appendSymbol(nil, i.Mechanism),
		appendBinary(nil, i.InitialResponse),
		host,
	})
}

// Challenge is the sasl-challenge performative.
type Challenge struct {
	Challenge []byte
}

// Name implements Performative.
func (Challenge) Name() string { return "sasl-challenge" }

func (Challenge) descriptor() byte { return codeChallenge }

func (c Challenge) body() []byte {
	return appendList(nil, [][]byte{appendBinary(nil, c.Challenge)})
}

// Response is the sasl-response performative.
type Response struct {
	Response []byte
}

// Name implements Performative.
func (Response) Name() string { return "sasl-response" }

func (Response) descriptor() byte { return codeResponse }

func (r Response) body() []byte {
	return appendList(nil, [][]byte{appendBinary(nil, r.Response)})
}

// Outcome is the sasl-outcome performative concluding the exchange.
type Outcome struct {
	Code           byte
	AdditionalData []byte
}

// Name implements Performative.
func (Outcome) Name() string { return "sasl-outcome" }

func (Outcome) descriptor() byte { return codeOutcome }

func (o Outcome) body() []byte {
	data := []byte{typeNull}
	if o.AdditionalData != nil {
		data = appendBinary(nil, o.AdditionalData)
	}
	return appendList(nil, [][]byte{
		appendUbyte(nil, o.Code),
		data,
	})
}

// Marshal encodes the performative as a complete SASL frame including the
// frame header.
func Marshal(p Performative) []byte {
	body := p.body()
	size := HeaderLen + 3 + len(body)
	out := make([]byte, 0, size)
	out = appendUint32(out, uint32(size))
	out = append(out, 2, frameTypeSASL, 0, 0)
	out = append(out, 0x00, typeSmallUlong, p.descriptor())
	return append(out, body...)
}

// Unmarshal decodes one SASL frame from the front of b. It returns the
// decoded performative and the number of bytes consumed. If b does not yet
// hold a complete frame it returns (nil, 0, nil); the caller should retry
// with more bytes. maxFrame bounds the frame size the caller is willing to
// buffer.
func Unmarshal(b []byte, maxFrame uint32) (Performative, int, error) {
	if len(b) < HeaderLen {
		return nil, 0, nil
	}
	size := binary.BigEndian.Uint32(b[:4])
	if size < HeaderLen {
		return nil, 0, fmt.Errorf("%w: frame size %d below minimum", ErrMalformed, size)
	}
	if size > maxFrame {
		return nil, 0, ErrTooBig
	}
	if uint32(len(b)) < size {
		return nil, 0, nil
	}
	doff := int(b[4])
	if doff < 2 || doff*4 > int(size) {
		return nil, 0, fmt.Errorf("%w: bad data offset %d", ErrMalformed, doff)
	}
	if b[5] != frameTypeSASL {
		return nil, 0, fmt.Errorf("%w: frame type %d is not a SASL frame", ErrMalformed, b[5])
	}
	if size == HeaderLen {
		// Empty frame, used as a keepalive. Nothing to decode.
		return nil, int(size), nil
	}

	d := &decoder{buf: b[doff*4 : size]}
	code, err := d.descriptor()
	if err != nil {
		return nil, 0, err
	}
	fields, count, err := d.list()
	if err != nil {
		return nil, 0, err
	}

	var p Performative
	switch code {
	case codeMechanisms:
		var m Mechanisms
		if count > 0 {
			m.Mechanisms, err = fields.symbols()
		}
		p = m
	case codeInit:
		var i Init
		if count < 1 {
			return nil, 0, fmt.Errorf("%w: sasl-init without mechanism", ErrMalformed)
		}
		i.Mechanism, err = fields.symbol()
		if err == nil && count > 1 {
			i.InitialResponse, err = fields.binary()
		}
		if err == nil && count > 2 {
			i.Hostname, err = fields.symbol()
		}
		p = i
	case codeChallenge:
		var c Challenge
		if count > 0 {
			c.Challenge, err = fields.binary()
		}
		p = c
	case codeResponse:
		var r Response
		if count > 0 {
			r.Response, err = fields.binary()
		}
		p = r
	case codeOutcome:
		var o Outcome
		if count < 1 {
			return nil, 0, fmt.Errorf("%w: sasl-outcome without code", ErrMalformed)
		}
		o.Code, err = fields.ubyte()
		if err == nil && count > 1 {
			o.AdditionalData, err = fields.binary()
		}
		p = o
	default:
		return nil, 0, fmt.Errorf("%w: unknown SASL descriptor %#02x", ErrMalformed, code)
	}
	if err != nil {
		return nil, 0, err
	}
	return p, int(size), nil
}
