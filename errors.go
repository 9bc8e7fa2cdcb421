// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package amqpsasl

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// CondFramingError is the AMQP condition attached when the peer violates
// SASL framing: a bad protocol header, a malformed frame body, or an end of
// stream in the middle of the exchange.
const CondFramingError = "amqp:connection:framing-error"

// Errors returned by the negotiator and the driver.
var (
	// ErrAuthentication is returned by Driver.Negotiate when the exchange
	// completed with a non-OK outcome.
	ErrAuthentication = errors.New("amqpsasl: authentication failed")

	errTooManyMechs = errors.New("amqpsasl: mechanism list exceeds the supported number of mechanisms")
)

// A Condition is an AMQP error condition. It is attached to the negotiator
// when the stream must be torn down and travels up to the enclosing
// transport.
type Condition struct {
	Name        string
	Description string
}

// Error implements the error interface.
func (c Condition) Error() string {
	if c.Description == "" {
		return c.Name
	}
	return c.Name + ": " + c.Description
}

// fail records a framing error condition, switches to the dead layer, and
// reports end of stream.
func (n *Negotiator) fail(format string, v ...interface{}) error {
	n.cond = &Condition{
		Name:        CondFramingError,
		Description: fmt.Sprintf(format, v...),
	}
	n.closeSent = true
	n.layer = errorLayer
	n.logf("%s", n.cond.Description)
	return io.EOF
}

// quoteLimit bounds the quoted representation of peer bytes carried in
// error descriptions.
const quoteLimit = 1024

// quote renders raw peer bytes for inclusion in an error description.
// Printable ASCII is kept as is, everything else is hex escaped, and the
// result, including the trailing ellipsis, is capped at quoteLimit
// characters.
func quote(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		// Leave room for one more escape and the ellipsis.
		if sb.Len() >= quoteLimit-len(`\xff`)-len("...") {
			sb.WriteString("...")
			break
		}
		if c >= 0x20 && c < 0x7f && c != '\\' {
			sb.WriteByte(c)
		} else {
			fmt.Fprintf(&sb, "\\x%02x", c)
		}
	}
	return sb.String()
}
