// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package amqpsasl

import (
	"strings"

	"mellium.im/amqpsasl/wire"
)

// Role is the side of the SASL exchange a negotiator plays.
type Role uint8

const (
	// Client initiates the exchange by selecting one of the mechanisms
	// offered by the server.
	Client Role = iota

	// Server offers mechanisms and decides the outcome.
	Server
)

// String implements fmt.Stringer.
func (r Role) String() string {
	if r == Server {
		return "server"
	}
	return "client"
}

// State is a position in the SASL exchange. States are totally ordered and a
// negotiator only ever moves forward through them.
type State uint8

const (
	// None is the initial state of both roles.
	None State = iota

	// PostedInit means the client has queued its sasl-init frame.
	PostedInit

	// PostedMechanisms means the server has queued its sasl-mechanisms
	// frame.
	PostedMechanisms

	// PostedResponse means the client has queued a sasl-response frame.
	PostedResponse

	// PostedChallenge means the server has queued a sasl-challenge frame.
	PostedChallenge

	// PretendOutcome is the client side anonymous short-circuit: the
	// client proceeds as if a successful outcome had already arrived.
	PretendOutcome

	// PostedOutcome means the server has queued its sasl-outcome frame.
	PostedOutcome

	// RecvedOutcome means the client has seen the sasl-outcome frame.
	RecvedOutcome
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case None:
		return "none"
	case PostedInit:
		return "posted-init"
	case PostedMechanisms:
		return "posted-mechanisms"
	case PostedResponse:
		return "posted-response"
	case PostedChallenge:
		return "posted-challenge"
	case PretendOutcome:
		return "pretend-outcome"
	case PostedOutcome:
		return "posted-outcome"
	case RecvedOutcome:
		return "recved-outcome"
	}
	return "invalid"
}

// roleLegal reports whether a role is allowed to desire the given state.
func roleLegal(r Role, s State) bool {
	switch s {
	case PostedInit, PostedResponse, PretendOutcome, RecvedOutcome:
		return r == Client
	case PostedMechanisms, PostedChallenge, PostedOutcome:
		return r == Server
	}
	return true
}

// Outcome is the result of the SASL exchange, using the code points of the
// sasl-outcome performative. OutcomeNone means no outcome has been reached.
type Outcome int8

const (
	OutcomeNone    Outcome = iota - 1
	OutcomeOK              // authentication succeeded
	OutcomeAuth            // failed due to bad credentials
	OutcomeSys             // failed due to a system error
	OutcomeSysPerm         // failed due to an unrecoverable system error
	OutcomeSysTemp         // failed due to a transient system error
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeOK:
		return "ok"
	case OutcomeAuth:
		return "auth"
	case OutcomeSys:
		return "sys"
	case OutcomeSysPerm:
		return "sys-perm"
	case OutcomeSysTemp:
		return "sys-temp"
	}
	return "invalid"
}

// setDesiredState records where the negotiation wants to be next. Attempts
// to move backward or to a state belonging to the other role are logged and
// dropped, keeping the exchange monotonic no matter what a provider or peer
// does.
func (n *Negotiator) setDesiredState(s State) {
	switch {
	case s < n.last:
		n.logf("dropping SASL transition to %v: already in later state %v", s, n.last)
	case !roleLegal(n.role, s):
		n.logf("dropping SASL transition to %v: not a %v state", s, n.role)
	default:
		// Re-posting a response or challenge rewinds progress one step
		// so the drive loop emits the frame again. This is how
		// multi-round challenge/response exchanges advance.
		if s == n.last && (s == PostedResponse || s == PostedChallenge) {
			n.last--
		}
		n.desired = s
		n.emit(Event{Kind: EventStateChange, State: s})
	}
}

// postFrames drives the exchange forward, emitting frames until the last
// emitted state catches up with the desired one. Emission may itself advance
// the desired state (a provider staging another challenge, for instance), so
// the desired state is re-read after every step.
func (n *Negotiator) postFrames() {
	desired := n.desired
	for n.desired > n.last {
		switch desired {
		case PostedInit:
			n.post(wire.Init{
				Mechanism:       n.selected,
				InitialResponse: n.bytesOut,
				Hostname:        n.remoteFQDN,
			})
		case PostedMechanisms:
			mechs, err := n.offeredMechs()
			if err != nil {
				n.logf("listing SASL mechanisms: %v", err)
				mechs = nil
			}
			n.post(wire.Mechanisms{Mechanisms: mechs})
		case PostedResponse:
			n.post(wire.Response{Response: n.bytesOut})
		case PostedChallenge:
			if n.last < PostedMechanisms {
				desired = PostedMechanisms
				continue
			}
			n.post(wire.Challenge{Challenge: n.bytesOut})
		case PostedOutcome:
			if n.last < PostedMechanisms {
				desired = PostedMechanisms
				continue
			}
			n.post(wire.Outcome{Code: byte(n.outcome)})
		case PretendOutcome:
			if n.last < PostedInit {
				desired = PostedInit
				continue
			}
		case RecvedOutcome:
			if n.last < PostedInit && n.outcome == OutcomeOK {
				desired = PostedInit
				continue
			}
		case None:
			return
		}
		n.last = desired
		desired = n.desired
	}
}

func (n *Negotiator) post(p wire.Performative) {
	n.disp.Post(p)
	n.logf("  -> %s", p.Name())
	n.emit(Event{Kind: EventFramePosted, State: n.desired, Frame: p})
}

// offeredMechs asks the provider for its mechanism list and filters it
// through the allow-list.
func (n *Negotiator) offeredMechs() ([]string, error) {
	list := n.provider.ListMechs(n)
	return splitMechs(list, n.included)
}

// finalInput reports whether no further SASL framed input can arrive.
func (n *Negotiator) finalInput() bool {
	return n.last == RecvedOutcome || n.desired == PostedOutcome
}

// finalOutput reports whether no further SASL framed output will be
// produced once queued frames drain.
func (n *Negotiator) finalOutput() bool {
	switch n.last {
	case PretendOutcome, PostedOutcome, RecvedOutcome:
		return true
	}
	return false
}

// process performs the lazy server-side initialization: the mechanism list
// is offered as soon as any I/O happens, before the client says anything.
func (n *Negotiator) process() {
	if n.role != Server || n.desired >= PostedMechanisms {
		return
	}
	if !n.serverInit {
		n.serverInit = true
		if !n.provider.InitServer(n) {
			n.logf("SASL provider failed server initialization")
		}
	}
	n.setDesiredState(PostedMechanisms)
}

// splitMechs tokenizes a space separated mechanism list and keeps the
// entries surviving the allow-list. More than maxMechs surviving entries is
// an error: the list is refused rather than silently truncated.
func splitMechs(list, allow string) ([]string, error) {
	var out []string
	for _, tok := range strings.Split(list, " ") {
		if tok == "" || !mechIncluded(allow, tok) {
			continue
		}
		if len(out) == maxMechs {
			return nil, errTooManyMechs
		}
		out = append(out, tok)
	}
	return out, nil
}
