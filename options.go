// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package amqpsasl

import (
	"log"
)

// An Option configures a Negotiator at construction time.
type Option func(*Negotiator)

// Logger has the negotiator log trace and diagnostic messages. By default
// nothing is logged.
func Logger(logger *log.Logger) Option {
	return func(n *Negotiator) {
		n.logger = logger
	}
}

// Collector registers a callback receiving negotiation events. The callback
// must tolerate duplicate events.
func Collector(f func(Event)) Option {
	return func(n *Negotiator) {
		n.collector = f
	}
}

// WithProvider replaces the built-in mechanism provider.
func WithProvider(p Provider) Option {
	return func(n *Negotiator) {
		n.provider = p
	}
}

// ConfigPath sets the provider configuration directory, overriding the
// PN_SASL_CONFIG_PATH environment variable.
func ConfigPath(dir string) Option {
	return func(n *Negotiator) {
		n.configDir = dir
	}
}

// Above splices the next protocol layer on top of this one. Once the SASL
// exchange concludes, input and output are forwarded to it untouched.
func Above(l ByteLayer) Option {
	return func(n *Negotiator) {
		n.above = l
	}
}

// Credentials sets the initial username and password, equivalent to calling
// SetUserPassword after construction.
func Credentials(username, password string) Option {
	return func(n *Negotiator) {
		n.SetUserPassword(username, password)
	}
}

// AllowedMechs sets the initial allow-list, equivalent to calling the
// AllowedMechs method after construction. The ANONYMOUS short-circuit
// applies just the same, after all other options have been applied.
func AllowedMechs(mechs string) Option {
	return func(n *Negotiator) {
		n.included = mechs
	}
}
