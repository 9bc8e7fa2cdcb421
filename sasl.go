// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package amqpsasl

import (
	"fmt"
	"io"
	"log"
	"os"

	"golang.org/x/text/secure/precis"

	"mellium.im/amqpsasl/wire"
)

// ConfigPathEnv is the environment variable consulted at construction time
// for the provider configuration directory.
const ConfigPathEnv = "PN_SASL_CONFIG_PATH"

// A ByteLayer is one element of a transport's I/O layer stack: a half-duplex
// pair of non-blocking buffer calls. Input consumes bytes arriving from the
// peer and returns how many it took; Output fills buf with bytes to send and
// returns how many it produced. Both return io.EOF when their direction of
// the stream has ended. Neither is ever invoked concurrently with the other.
type ByteLayer interface {
	Input(b []byte) (int, error)
	Output(buf []byte) (int, error)
}

// A Negotiator is the SASL security layer of a single AMQP connection. It
// sits between the raw byte stream and the AMQP frame layer, performs the
// SASL handshake for its role, and then steps out of the way.
//
// A Negotiator implements ByteLayer and owns no I/O of its own: the
// enclosing transport (or a Driver) feeds it bytes and drains its output.
// It is not safe for concurrent use.
type Negotiator struct {
	role Role

	desired State
	last    State

	selected string
	included string

	username   string
	password   string
	user       string
	configName string
	configDir  string
	remoteFQDN string

	externalAuth string
	externalSSF  int

	outcome       Outcome
	authenticated bool

	bytesOut []byte

	inputDone    bool
	outputDone   bool
	readClosed   bool
	closeSent    bool
	serverInit   bool
	clientInit   bool
	clientInitOK bool
	freed        bool

	headerOut int
	headerIn  bool

	cond  *Condition
	layer *ioLayer
	disp  wire.Dispatcher

	provider  Provider
	above     ByteLayer
	logger    *log.Logger
	collector func(Event)
}

// New creates a negotiator for the given role. Unless overridden by an
// option the provider configuration directory is seeded from
// PN_SASL_CONFIG_PATH.
func New(role Role, opts ...Option) *Negotiator {
	n := &Negotiator{
		role:      role,
		outcome:   OutcomeNone,
		configDir: os.Getenv(ConfigPathEnv),
		layer:     headerLayer,
	}
	for _, o := range opts {
		o(n)
	}
	if n.provider == nil {
		n.provider = NewProvider()
	}
	if n.included == anonymousMech {
		n.forceAnonymous()
	}
	return n
}

// Role returns the role this negotiator plays.
func (n *Negotiator) Role() Role { return n.role }

// AllowedMechs restricts the mechanisms this end will offer or accept to the
// given space separated list. An empty list removes the restriction. A
// client that allows exactly ANONYMOUS short-circuits the handshake: it
// posts its init frame immediately instead of waiting for the server's
// mechanism list.
func (n *Negotiator) AllowedMechs(mechs string) {
	n.included = mechs
	if mechs == anonymousMech {
		n.forceAnonymous()
	}
}

// ConfigName selects the provider configuration by name.
func (n *Negotiator) ConfigName(name string) {
	n.configName = name
}

// ConfigPath replaces the provider configuration directory. An empty path
// clears it.
func (n *Negotiator) ConfigPath(dir string) {
	n.configDir = dir
}

// SetRemoteHostname records the fully qualified domain name of the peer,
// sent in the init frame's hostname field and made available to the
// mechanism provider.
func (n *Negotiator) SetRemoteHostname(fqdn string) {
	n.remoteFQDN = fqdn
}

// SetUserPassword stores the credentials used by the client (or verified by
// the server's built-in provider). Both are run through the PRECIS profiles
// of RFC 8265 first; strings the profiles reject are stored untouched and
// left for the mechanism to refuse.
func (n *Negotiator) SetUserPassword(username, password string) {
	if u, err := precis.UsernameCaseMapped.String(username); err == nil {
		username = u
	}
	if p, err := precis.OpaqueString.String(password); err == nil {
		password = p
	}
	n.username = username
	n.password = password
}

// SetExternalSecurity records the security strength factor and authorization
// identity established by a lower layer such as TLS. A negative ssf is
// treated as zero.
func (n *Negotiator) SetExternalSecurity(ssf int, authID string) {
	if ssf < 0 {
		ssf = 0
	}
	n.externalSSF = ssf
	n.externalAuth = authID
}

// Done records the outcome of the exchange. On a server it queues the
// sasl-outcome frame for emission.
func (n *Negotiator) Done(o Outcome) {
	n.outcome = o
	n.authenticated = o == OutcomeOK
	n.emit(Event{Kind: EventOutcome, State: n.desired})
	if n.role == Server {
		n.setDesiredState(PostedOutcome)
	}
}

// User returns the authenticated identity once one is established, falling
// back to the configured username.
func (n *Negotiator) User() string {
	if n.user != "" {
		return n.user
	}
	return n.username
}

// Mech returns the selected mechanism, or the empty string before one is
// chosen.
func (n *Negotiator) Mech() string { return n.selected }

// Outcome returns the outcome of the exchange, or OutcomeNone while it is
// still in progress.
func (n *Negotiator) Outcome() Outcome { return n.outcome }

// Authenticated reports whether the exchange concluded with OutcomeOK.
func (n *Negotiator) Authenticated() bool { return n.authenticated }

// Condition returns the AMQP error condition attached to the negotiator, or
// nil.
func (n *Negotiator) Condition() *Condition { return n.cond }

// Complete reports whether both directions have finished SASL framing and
// the layer has degenerated to a passthrough.
func (n *Negotiator) Complete() bool { return n.inputDone && n.outputDone }

// RemoteHostname returns the configured or received peer FQDN. It is meant
// for mechanism providers.
func (n *Negotiator) RemoteHostname() string { return n.remoteFQDN }

// ExternalSSF returns the security strength factor inherited from a lower
// layer. It is meant for mechanism providers.
func (n *Negotiator) ExternalSSF() int { return n.externalSSF }

// ExternalAuthID returns the authorization identity inherited from a lower
// layer. It is meant for mechanism providers.
func (n *Negotiator) ExternalAuthID() string { return n.externalAuth }

// Credentials returns the configured username and password. It is meant for
// mechanism providers.
func (n *Negotiator) Credentials() (username, password string) {
	return n.username, n.password
}

// ConfigLookup returns the provider configuration name and directory. It is
// meant for mechanism providers.
func (n *Negotiator) ConfigLookup() (name, dir string) {
	return n.configName, n.configDir
}

// SetMechanism records the mechanism selected for the exchange. It is meant
// for mechanism providers.
func (n *Negotiator) SetMechanism(mech string) { n.selected = mech }

// SetUser records the authenticated identity. It is meant for mechanism
// providers.
func (n *Negotiator) SetUser(user string) { n.user = user }

// SetBytesOut stages the body of the next init, challenge, or response
// frame. The slice is borrowed until that frame is emitted. It is meant for
// mechanism providers.
func (n *Negotiator) SetBytesOut(b []byte) { n.bytesOut = b }

// SendChallenge stages challenge bytes and queues a sasl-challenge frame.
// Calling it again after the challenge was emitted re-queues the frame,
// which is how multi-round exchanges proceed. It is meant for mechanism
// providers.
func (n *Negotiator) SendChallenge(b []byte) {
	n.bytesOut = b
	n.setDesiredState(PostedChallenge)
}

// SendResponse stages response bytes and queues a sasl-response frame. Like
// SendChallenge it may be called once per round. It is meant for mechanism
// providers.
func (n *Negotiator) SendResponse(b []byte) {
	n.bytesOut = b
	n.setDesiredState(PostedResponse)
}

// Free tears down the mechanism provider and drops all owned state. The
// negotiator must not be used afterwards.
func (n *Negotiator) Free() {
	if n.freed {
		return
	}
	n.freed = true
	n.provider.Free(n)
	n.selected = ""
	n.included = ""
	n.username = ""
	n.password = ""
	n.user = ""
	n.configName = ""
	n.configDir = ""
	n.remoteFQDN = ""
	n.externalAuth = ""
	n.bytesOut = nil
}

// Input implements ByteLayer. It consumes bytes arriving from the peer,
// first the protocol header, then SASL frames, and finally, once the
// exchange has concluded, forwards raw bytes to the layer above.
func (n *Negotiator) Input(b []byte) (int, error) {
	if n.readClosed || n.closeSent {
		return 0, io.EOF
	}
	return n.layer.input(n, b)
}

// Output implements ByteLayer. It produces the protocol header and SASL
// frames, and forwards the layer above once the exchange has concluded.
func (n *Negotiator) Output(buf []byte) (int, error) {
	if n.closeSent {
		return 0, io.EOF
	}
	return n.layer.output(n, buf)
}

// CloseInput signals that the byte stream below reached end of stream. An
// end of stream before the header or in the middle of SASL framing is a
// framing error.
func (n *Negotiator) CloseInput() error {
	switch {
	case n.closeSent, n.inputDone:
		return nil
	case !n.headerIn:
		return n.fail("SASL header mismatch: insufficient data")
	case !n.finalInput():
		return n.fail("connection aborted during SASL negotiation")
	}
	return nil
}

// HandlePerformative dispatches one inbound SASL frame body. It implements
// wire.Handler.
func (n *Negotiator) HandlePerformative(p wire.Performative) error {
	n.logf("  <- %s", p.Name())
	switch p := p.(type) {
	case wire.Mechanisms:
		if n.role != Client {
			return fmt.Errorf("sasl-mechanisms received by %v", n.role)
		}
		n.handleMechanisms(p)
	case wire.Init:
		if n.role != Server {
			return fmt.Errorf("sasl-init received by %v", n.role)
		}
		n.handleInit(p)
	case wire.Challenge:
		if n.role != Client {
			return fmt.Errorf("sasl-challenge received by %v", n.role)
		}
		n.handleChallenge(p)
	case wire.Response:
		if n.role != Server {
			return fmt.Errorf("sasl-response received by %v", n.role)
		}
		n.handleResponse(p)
	case wire.Outcome:
		if n.role != Client {
			return fmt.Errorf("sasl-outcome received by %v", n.role)
		}
		n.handleOutcome(p)
	default:
		return fmt.Errorf("unexpected performative %s", p.Name())
	}
	return nil
}

func (n *Negotiator) handleMechanisms(p wire.Mechanisms) {
	if n.last == PretendOutcome {
		// The anonymous short-circuit already chose; the server's
		// offer no longer matters.
		return
	}
	filtered := filterMechs(p.Mechanisms, n.included)
	if !n.initClient() {
		n.outcome = OutcomeSysPerm
		n.setDesiredState(RecvedOutcome)
		return
	}
	if n.provider.ProcessMechanisms(n, filtered) {
		n.setDesiredState(PostedInit)
		return
	}
	n.outcome = OutcomeSysPerm
	n.setDesiredState(RecvedOutcome)
}

func (n *Negotiator) handleInit(p wire.Init) {
	n.selected = p.Mechanism
	if p.Hostname != "" {
		n.remoteFQDN = p.Hostname
	}
	if !n.provider.ProcessInit(n, p.Mechanism, p.InitialResponse) &&
		n.outcome == OutcomeNone {
		n.Done(OutcomeAuth)
	}
}

func (n *Negotiator) handleChallenge(p wire.Challenge) {
	if !n.provider.ProcessChallenge(n, p.Challenge) {
		n.outcome = OutcomeSysPerm
		n.setDesiredState(RecvedOutcome)
	}
}

func (n *Negotiator) handleResponse(p wire.Response) {
	if !n.provider.ProcessResponse(n, p.Response) && n.outcome == OutcomeNone {
		n.Done(OutcomeAuth)
	}
}

func (n *Negotiator) handleOutcome(p wire.Outcome) {
	n.outcome = Outcome(int8(p.Code))
	n.authenticated = n.outcome == OutcomeOK
	n.emit(Event{Kind: EventOutcome, State: n.desired})
	n.setDesiredState(RecvedOutcome)
}

// initClient runs the provider's client initialization at most once.
func (n *Negotiator) initClient() bool {
	if !n.clientInit {
		n.clientInit = true
		n.clientInitOK = n.provider.InitClient(n)
	}
	return n.clientInitOK
}

func (n *Negotiator) logf(format string, v ...interface{}) {
	if n.logger != nil {
		n.logger.Printf(format, v...)
	}
}

func (n *Negotiator) emit(e Event) {
	if n.collector != nil {
		n.collector(e)
	}
}

// EventKind distinguishes the events a negotiator reports to its collector.
type EventKind int

const (
	// EventStateChange is emitted whenever the desired state advances.
	EventStateChange EventKind = iota

	// EventFramePosted is emitted for every SASL frame queued for output.
	EventFramePosted

	// EventOutcome is emitted when Done records an outcome or a client
	// receives a sasl-outcome frame. A client outcome set after a local
	// provider failure is not reported as an event.
	EventOutcome
)

// An Event is delivered to the collector registered on the negotiator.
// Delivery of a duplicate event is harmless by contract.
type Event struct {
	Kind  EventKind
	State State
	Frame wire.Performative
}
