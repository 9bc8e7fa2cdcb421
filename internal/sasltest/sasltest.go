// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package sasltest provides utilities for testing the SASL security layer
// without a network.
package sasltest // import "mellium.im/amqpsasl/internal/sasltest"

import (
	"io"

	"mellium.im/amqpsasl"
	"mellium.im/amqpsasl/wire"
)

// Recorder is a wire.Handler that remembers every performative it is
// handed.
type Recorder struct {
	Frames []wire.Performative
}

// HandlePerformative implements wire.Handler.
func (r *Recorder) HandlePerformative(p wire.Performative) error {
	r.Frames = append(r.Frames, p)
	return nil
}

// Provider is a scriptable mechanism provider. Any nil field behaves
// permissively: inits succeed, lists are empty, and process callbacks
// report failure.
type Provider struct {
	ListMechsFunc         func(n *amqpsasl.Negotiator) string
	InitClientFunc        func(n *amqpsasl.Negotiator) bool
	InitServerFunc        func(n *amqpsasl.Negotiator) bool
	ProcessMechanismsFunc func(n *amqpsasl.Negotiator, mechs string) bool
	ProcessInitFunc       func(n *amqpsasl.Negotiator, mech string, response []byte) bool
	ProcessChallengeFunc  func(n *amqpsasl.Negotiator, challenge []byte) bool
	ProcessResponseFunc   func(n *amqpsasl.Negotiator, response []byte) bool
	FreeFunc              func(n *amqpsasl.Negotiator)

	Freed int
}

// ListMechs implements amqpsasl.Provider.
func (p *Provider) ListMechs(n *amqpsasl.Negotiator) string {
	if p.ListMechsFunc == nil {
		return ""
	}
	return p.ListMechsFunc(n)
}

// InitClient implements amqpsasl.Provider.
func (p *Provider) InitClient(n *amqpsasl.Negotiator) bool {
	if p.InitClientFunc == nil {
		return true
	}
	return p.InitClientFunc(n)
}

// InitServer implements amqpsasl.Provider.
func (p *Provider) InitServer(n *amqpsasl.Negotiator) bool {
	if p.InitServerFunc == nil {
		return true
	}
	return p.InitServerFunc(n)
}

// ProcessMechanisms implements amqpsasl.Provider.
func (p *Provider) ProcessMechanisms(n *amqpsasl.Negotiator, mechs string) bool {
	if p.ProcessMechanismsFunc == nil {
		return false
	}
	return p.ProcessMechanismsFunc(n, mechs)
}

// ProcessInit implements amqpsasl.Provider.
func (p *Provider) ProcessInit(n *amqpsasl.Negotiator, mech string, response []byte) bool {
	if p.ProcessInitFunc == nil {
		return false
	}
	return p.ProcessInitFunc(n, mech, response)
}

// ProcessChallenge implements amqpsasl.Provider.
func (p *Provider) ProcessChallenge(n *amqpsasl.Negotiator, challenge []byte) bool {
	if p.ProcessChallengeFunc == nil {
		return false
	}
	return p.ProcessChallengeFunc(n, challenge)
}

// ProcessResponse implements amqpsasl.Provider.
func (p *Provider) ProcessResponse(n *amqpsasl.Negotiator, response []byte) bool {
	if p.ProcessResponseFunc == nil {
		return false
	}
	return p.ProcessResponseFunc(n, response)
}

// Free implements amqpsasl.Provider.
func (p *Provider) Free(n *amqpsasl.Negotiator) {
	p.Freed++
	if p.FreeFunc != nil {
		p.FreeFunc(n)
	}
}

// End is one side of an in-memory exchange: a negotiator plus the bytes
// that have arrived for it but have not been consumed yet.
type End struct {
	N     *amqpsasl.Negotiator
	Inbox []byte

	// InErr and OutErr remember the first end of stream reported by the
	// respective direction.
	InErr  error
	OutErr error

	// Wire is everything the negotiator emitted, in order.
	Wire []byte
}

// Shuttle pumps bytes between the two ends until neither makes progress.
// It reproduces the cooperative, alternating drive of a transport's I/O
// loop: output from one side is appended to the other side's inbox, then
// each inbox is offered to its negotiator.
func Shuttle(a, b *End) {
	buf := make([]byte, 512)
	for {
		progress := false
		for _, pair := range [][2]*End{{a, b}, {b, a}} {
			src, dst := pair[0], pair[1]
			if src.OutErr == nil {
				for {
					m, err := src.N.Output(buf)
					if m > 0 {
						progress = true
						src.Wire = append(src.Wire, buf[:m]...)
						dst.Inbox = append(dst.Inbox, buf[:m]...)
					}
					if err != nil {
						src.OutErr = err
						break
					}
					if m == 0 {
						break
					}
				}
			}
			if dst.InErr == nil {
				m, err := dst.N.Input(dst.Inbox)
				if m > 0 {
					progress = true
					dst.Inbox = dst.Inbox[m:]
				}
				if err != nil {
					dst.InErr = err
				}
			}
		}
		if !progress {
			return
		}
	}
}

// Drain pulls all pending output from a single negotiator, for tests that
// drive only one side against hand-built frames.
func Drain(n *amqpsasl.Negotiator) ([]byte, error) {
	var out []byte
	buf := make([]byte, 512)
	for {
		m, err := n.Output(buf)
		out = append(out, buf[:m]...)
		if err != nil {
			return out, err
		}
		if m == 0 {
			return out, nil
		}
	}
}

// Pipe returns the two ends of a buffered in-memory duplex stream. Unlike
// net.Pipe writes do not rendezvous with reads, so both ends may write
// their opening bytes before either reads, the way a real socket behaves.
func Pipe() (a, b io.ReadWriteCloser) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	return &pipeEnd{r: ba, w: ab}, &pipeEnd{r: ab, w: ba}
}

type pipeEnd struct {
	r        chan []byte
	w        chan []byte
	leftover []byte
	closed   bool
}

func (p *pipeEnd) Read(b []byte) (int, error) {
	if len(p.leftover) == 0 {
		chunk, ok := <-p.r
		if !ok {
			return 0, io.EOF
		}
		p.leftover = chunk
	}
	n := copy(b, p.leftover)
	p.leftover = p.leftover[n:]
	return n, nil
}

func (p *pipeEnd) Write(b []byte) (int, error) {
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	chunk := make([]byte, len(b))
	copy(chunk, b)
	p.w <- chunk
	return len(b), nil
}

// Close ends the stream in the write direction: the peer's reads drain
// buffered data and then report io.EOF.
func (p *pipeEnd) Close() error {
	if !p.closed {
		p.closed = true
		close(p.w)
	}
	return nil
}
