// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package amqpsasl implements the SASL security layer of an AMQP 1.0
// transport as defined by the AMQP specification §5.3 and RFC 4422.
//
// The layer sits between a raw byte stream (often a TLS connection) and the
// AMQP frame layer. It exchanges the SASL protocol header, negotiates a
// mechanism, runs the challenge/response rounds, and once an outcome is
// reached in both directions hands the stream off untouched to the protocol
// above.
//
// The core type is the Negotiator, a non-blocking state machine driven
// entirely through the ByteLayer buffer contract: the caller feeds it bytes
// read from the connection and drains bytes it wants written. The Driver
// type wraps that contract around an io.ReadWriter for callers that just
// want to block until authentication concludes.
//
// Mechanisms are pluggable through the Provider interface. The built-in
// provider speaks ANONYMOUS, PLAIN, EXTERNAL, and the SCRAM family using
// the mellium.im/sasl negotiators.
package amqpsasl // import "mellium.im/amqpsasl"
