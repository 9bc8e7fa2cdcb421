// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package amqpsasl

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"

	"mellium.im/reader"
)

// A Driver pumps a Negotiator over an io.ReadWriter for callers that do not
// integrate the buffer contract into an I/O loop of their own. It owns the
// alternation between Input and Output that the negotiator's concurrency
// contract requires.
type Driver struct {
	n       *Negotiator
	rw      io.ReadWriter
	rbuf    []byte
	pending []byte
	wbuf    []byte
}

// NewDriver wraps rw around the negotiator. If rw is a *tls.Conn whose
// handshake already completed, the connection's security context is handed
// to the negotiator before any bytes flow.
func NewDriver(n *Negotiator, rw io.ReadWriter) *Driver {
	if conn, ok := rw.(*tls.Conn); ok {
		state := conn.ConnectionState()
		if state.HandshakeComplete {
			n.SetExternalSecurity(tlsSSF(state), tlsAuthID(state))
		}
	}
	return &Driver{
		n:    n,
		rw:   rw,
		rbuf: make([]byte, 4096),
		wbuf: make([]byte, 4096),
	}
}

// Negotiate runs the SASL exchange to completion and returns a ReadWriter
// carrying the stream above the security layer. Reads on the returned
// ReadWriter first drain bytes that arrived bundled with the tail of the
// handshake.
//
// On a non-OK outcome it returns ErrAuthentication (wrapped with the
// outcome); on a protocol violation it returns the attached Condition.
func (d *Driver) Negotiate(ctx context.Context) (io.ReadWriter, error) {
	n := d.n
	for !n.Complete() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := d.flush(); err != nil {
			return nil, d.streamErr(err)
		}

		// Even with no new bytes the input side may need a poke to
		// notice that the exchange concluded and engage its bypass.
		consumed, inErr := n.Input(d.pending)
		d.pending = d.pending[consumed:]
		if inErr != nil {
			return nil, d.streamErr(inErr)
		}
		if n.Complete() {
			break
		}

		nn, err := d.rw.Read(d.rbuf)
		if nn > 0 {
			d.pending = append(d.pending, d.rbuf[:nn]...)
			consumed, inErr = n.Input(d.pending)
			d.pending = d.pending[consumed:]
			if inErr != nil {
				return nil, d.streamErr(inErr)
			}
		}
		if err != nil {
			if err == io.EOF {
				if cErr := n.CloseInput(); cErr != nil {
					return nil, d.streamErr(cErr)
				}
			}
			if !n.Complete() {
				return nil, err
			}
		}
	}

	r := io.Reader(reader.Func(func(p []byte) (int, error) {
		if len(d.pending) > 0 {
			m := copy(p, d.pending)
			d.pending = d.pending[m:]
			return m, nil
		}
		return d.rw.Read(p)
	}))
	return struct {
		io.Reader
		io.Writer
	}{r, d.rw}, nil
}

// flush drains negotiator output into the underlying writer until the
// negotiator goes quiescent.
func (d *Driver) flush() error {
	for {
		m, err := d.n.Output(d.wbuf)
		if m > 0 {
			if _, wErr := d.rw.Write(d.wbuf[:m]); wErr != nil {
				return wErr
			}
		}
		if err != nil {
			return err
		}
		if m == 0 {
			return nil
		}
	}
}

// streamErr maps an end of stream from the negotiator to the most useful
// error for the caller.
func (d *Driver) streamErr(err error) error {
	if cond := d.n.Condition(); cond != nil {
		return *cond
	}
	if o := d.n.Outcome(); o != OutcomeNone && o != OutcomeOK {
		return fmt.Errorf("%w: outcome %v", ErrAuthentication, o)
	}
	return err
}

// tlsSSF derives a security strength factor from a TLS connection state.
// The factor is the symmetric key size in bits, the convention inherited
// from Cyrus SASL.
func tlsSSF(state tls.ConnectionState) int {
	switch state.CipherSuite {
	case tls.TLS_AES_256_GCM_SHA384,
		tls.TLS_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384:
		return 256
	case 0:
		return 0
	}
	return 128
}

// tlsAuthID extracts the peer identity asserted by a verified client or
// server certificate, if any.
func tlsAuthID(state tls.ConnectionState) string {
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.CommonName
}
