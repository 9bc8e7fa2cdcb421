// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package amqpsasl

import (
	"io"

	"mellium.im/amqpsasl/wire"
)

// An ioLayer is one stage of the stream's life: headers first, then SASL
// frames, then raw passthrough. The negotiator swaps the active layer as the
// stream advances; each direction can move ahead of the other.
type ioLayer struct {
	input  func(n *Negotiator, b []byte) (int, error)
	output func(n *Negotiator, buf []byte) (int, error)
}

var (
	// Neither header has been exchanged.
	headerLayer = &ioLayer{}

	// Our header is out; the peer's has not arrived yet.
	readHeaderLayer = &ioLayer{}

	// The peer's header arrived; ours has not been written yet.
	writeHeaderLayer = &ioLayer{}

	// Both headers done, SASL frames flow in both directions.
	steadyLayer = &ioLayer{}

	// Negotiation concluded, bytes are forwarded untouched.
	passthroughLayer = &ioLayer{}

	// The stream is dead after a framing error.
	errorLayer = &ioLayer{}
)

// The ioLayer vars above are mutually referenced from inside each other's
// input/output funcs, which would otherwise create a package initialization
// cycle; wiring them up in init() sidesteps that.
func init() {
	headerLayer.input, headerLayer.output = inputReadHeader, outputWriteHeader
	readHeaderLayer.input, readHeaderLayer.output = inputReadHeader, outputFrames
	writeHeaderLayer.input, writeHeaderLayer.output = inputFrames, outputWriteHeader
	steadyLayer.input, steadyLayer.output = inputFrames, outputFrames
	passthroughLayer.input, passthroughLayer.output = inputPassthrough, outputPassthrough
	errorLayer.input, errorLayer.output = inputError, outputError
}

func inputReadHeader(n *Negotiator, b []byte) (int, error) {
	switch wire.SniffHeader(b) {
	case wire.HeaderInsufficient:
		return 0, nil
	case wire.HeaderSASL:
		n.logf("  <- SASL")
		n.headerIn = true
		n.propagateExternal()
		if n.headerOut == wire.HeaderLen {
			n.layer = steadyLayer
		} else {
			n.layer = writeHeaderLayer
		}
		rest := b[wire.HeaderLen:]
		if len(rest) == 0 {
			return wire.HeaderLen, nil
		}
		m, err := n.layer.input(n, rest)
		return wire.HeaderLen + m, err
	}
	return 0, n.fail("SASL header mismatch: '%s'", quote(b))
}

func outputWriteHeader(n *Negotiator, buf []byte) (int, error) {
	m := copy(buf, wire.SASLHeader[n.headerOut:])
	n.headerOut += m
	if n.headerOut < wire.HeaderLen {
		return m, nil
	}
	n.logf("  -> SASL")
	if n.headerIn {
		n.layer = steadyLayer
	} else {
		n.layer = readHeaderLayer
	}
	mm, err := n.layer.output(n, buf[m:])
	return m + mm, err
}

func inputFrames(n *Negotiator, b []byte) (int, error) {
	if n.inputDone {
		return inputPassthrough(n, b)
	}
	n.process()
	consumed, err := n.disp.Feed(b, n)
	if err != nil {
		return consumed, n.fail("SASL framing error: %v", err)
	}
	// Advance the drive loop here as well: frame handlers may have moved
	// the desired state, and input finality depends on the progress the
	// loop records. Emitted frames stay queued until the next Output.
	n.postFrames()
	if consumed == 0 && n.finalInput() {
		if n.outcome != OutcomeOK && n.outcome != OutcomeNone {
			n.readClosed = true
			return 0, io.EOF
		}
		n.inputDone = true
		n.maybeBypass()
		return inputPassthrough(n, b)
	}
	return consumed, nil
}

func outputFrames(n *Negotiator, buf []byte) (int, error) {
	if n.outputDone {
		return outputPassthrough(n, buf)
	}
	n.process()
	n.postFrames()
	if n.disp.Pending() {
		return n.disp.Drain(buf), nil
	}
	if !n.finalOutput() {
		return 0, nil
	}
	if n.outcome != OutcomeOK && n.outcome != OutcomeNone {
		if n.finalInput() {
			n.readClosed = true
		}
		return 0, io.EOF
	}
	n.outputDone = true
	n.maybeBypass()
	return outputPassthrough(n, buf)
}

func inputPassthrough(n *Negotiator, b []byte) (int, error) {
	if n.above != nil {
		return n.above.Input(b)
	}
	return 0, nil
}

func outputPassthrough(n *Negotiator, buf []byte) (int, error) {
	if n.above != nil {
		return n.above.Output(buf)
	}
	return 0, nil
}

func inputError(n *Negotiator, b []byte) (int, error) {
	return 0, io.EOF
}

func outputError(n *Negotiator, buf []byte) (int, error) {
	return 0, io.EOF
}

// maybeBypass collapses the layer to a raw passthrough once both directions
// are done with SASL framing.
func (n *Negotiator) maybeBypass() {
	if n.inputDone && n.outputDone {
		n.layer = passthroughLayer
	}
}

// propagateExternal logs the security context established below this layer
// as soon as SASL traffic is confirmed. The values themselves are stored by
// SetExternalSecurity; providers read them through ExternalSSF and
// ExternalAuthID.
func (n *Negotiator) propagateExternal() {
	if n.externalSSF > 0 || n.externalAuth != "" {
		n.logf("external security: ssf=%d auth=%s", n.externalSSF, n.externalAuth)
	}
}
