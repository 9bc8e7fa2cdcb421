// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package amqpsasl

import (
	"errors"
	"strings"

	"mellium.im/sasl"
)

// A Provider implements the SASL mechanisms behind a negotiator. The
// negotiator drives the exchange and frames; the provider computes and
// verifies the actual mechanism payloads. Providers report what happened
// back through the negotiator: SetMechanism and SetBytesOut before an init
// frame, SendChallenge and SendResponse for later rounds, and Done for the
// verdict.
//
// A provider instance belongs to a single negotiator.
type Provider interface {
	// ListMechs returns the space separated list of mechanisms this end
	// can offer, strongest first.
	ListMechs(n *Negotiator) string

	// InitClient and InitServer prepare the provider for its role.
	// Returning false aborts the exchange.
	InitClient(n *Negotiator) bool
	InitServer(n *Negotiator) bool

	// ProcessMechanisms receives the filtered mechanism list offered by
	// the server and, on success, leaves the selected mechanism and the
	// initial response staged on the negotiator.
	ProcessMechanisms(n *Negotiator, mechs string) bool

	// ProcessInit receives the client's mechanism selection and initial
	// response. The provider either concludes with Done or stages a
	// challenge with SendChallenge.
	ProcessInit(n *Negotiator, mech string, response []byte) bool

	// ProcessChallenge receives a server challenge and stages the next
	// response with SendResponse.
	ProcessChallenge(n *Negotiator, challenge []byte) bool

	// ProcessResponse receives a client response and either concludes
	// with Done or stages another challenge.
	ProcessResponse(n *Negotiator, response []byte) bool

	// Free releases provider resources. It is called exactly once.
	Free(n *Negotiator)
}

// NewProvider returns the built-in mechanism provider. As a client it
// negotiates SCRAM-SHA-256, SCRAM-SHA-1, PLAIN, EXTERNAL, and ANONYMOUS
// using the mellium.im/sasl negotiators; as a server it offers and verifies
// EXTERNAL, PLAIN, and ANONYMOUS against the credentials configured on the
// negotiator.
func NewProvider() Provider {
	return &provider{}
}

// NewAnonymousProvider returns a minimal provider that only speaks
// ANONYMOUS. It suits ends that have no credential store at all; it is used
// only when passed to WithProvider.
func NewAnonymousProvider() Provider {
	return anonProvider{}
}

var errNoChallenge = errors.New("amqpsasl: mechanism expects no challenge")

// anonymous builds the client side ANONYMOUS mechanism carrying the given
// trace string.
func anonymous(trace string) sasl.Mechanism {
	return sasl.Mechanism{
		Name: "ANONYMOUS",
		Start: func(*sasl.Negotiator) (bool, []byte, interface{}, error) {
			return false, []byte(trace), nil, nil
		},
		Next: func(*sasl.Negotiator, []byte, interface{}) (bool, []byte, interface{}, error) {
			return false, nil, nil, errNoChallenge
		},
	}
}

// external builds the client side EXTERNAL mechanism asserting the given
// authorization identity.
func external(authzid string) sasl.Mechanism {
	return sasl.Mechanism{
		Name: "EXTERNAL",
		Start: func(*sasl.Negotiator) (bool, []byte, interface{}, error) {
			return false, []byte(authzid), nil, nil
		},
		Next: func(*sasl.Negotiator, []byte, interface{}) (bool, []byte, interface{}, error) {
			return false, nil, nil, errNoChallenge
		},
	}
}

type provider struct {
	client *sasl.Negotiator
}

func (p *provider) ListMechs(n *Negotiator) string {
	var mechs []string
	if n.ExternalAuthID() != "" || n.ExternalSSF() > 0 {
		mechs = append(mechs, "EXTERNAL")
	}
	if user, _ := n.Credentials(); user != "" {
		mechs = append(mechs, "PLAIN")
	}
	return strings.Join(append(mechs, "ANONYMOUS"), " ")
}

func (p *provider) InitClient(n *Negotiator) bool { return true }
func (p *provider) InitServer(n *Negotiator) bool { return true }

// preferred returns the client's mechanism preference given its
// configuration, strongest first.
func (p *provider) preferred(n *Negotiator) []sasl.Mechanism {
	var mechs []sasl.Mechanism
	if n.ExternalAuthID() != "" {
		mechs = append(mechs, external(n.ExternalAuthID()))
	}
	user, _ := n.Credentials()
	if user != "" {
		mechs = append(mechs, sasl.ScramSha256, sasl.ScramSha1, sasl.Plain)
	}
	return append(mechs, anonymous(user))
}

func (p *provider) ProcessMechanisms(n *Negotiator, mechs string) bool {
	offered := strings.Split(mechs, " ")
	var selected sasl.Mechanism
selectmechanism:
	for _, m := range p.preferred(n) {
		for _, name := range offered {
			if strings.EqualFold(name, m.Name) {
				selected = m
				break selectmechanism
			}
		}
	}
	if selected.Name == "" {
		n.logf("no matching SASL mechanism in %q", mechs)
		return false
	}

	user, pass := n.Credentials()
	authz := n.ExternalAuthID()
	opts := []sasl.Option{
		sasl.Credentials(func() (Username, Password, Identity []byte) {
			return []byte(user), []byte(pass), []byte(authz)
		}),
		sasl.RemoteMechanisms(offered...),
	}
	p.client = sasl.NewClient(selected, opts...)

	_, resp, err := p.client.Step(nil)
	if err != nil {
		n.logf("SASL %s start: %v", selected.Name, err)
		return false
	}
	n.SetMechanism(selected.Name)
	n.SetBytesOut(resp)
	return true
}

func (p *provider) ProcessChallenge(n *Negotiator, challenge []byte) bool {
	if p.client == nil {
		n.logf("SASL challenge before mechanism selection")
		return false
	}
	_, resp, err := p.client.Step(challenge)
	if err != nil {
		n.logf("SASL %s step: %v", n.Mech(), err)
		return false
	}
	n.SendResponse(resp)
	return true
}

func (p *provider) ProcessInit(n *Negotiator, mech string, response []byte) bool {
	switch strings.ToUpper(mech) {
	case "ANONYMOUS":
		n.SetUser("anonymous")
		n.Done(OutcomeOK)
		return true
	case "PLAIN":
		authz, authcid, passwd, ok := parsePlain(response)
		if !ok {
			n.Done(OutcomeAuth)
			return false
		}
		user, pass := n.Credentials()
		if user == "" || authcid != user || passwd != pass {
			n.Done(OutcomeAuth)
			return false
		}
		if authz == "" {
			authz = authcid
		}
		n.SetUser(authz)
		n.Done(OutcomeOK)
		return true
	case "EXTERNAL":
		want := n.ExternalAuthID()
		if want == "" {
			n.Done(OutcomeAuth)
			return false
		}
		if len(response) != 0 && string(response) != want {
			n.Done(OutcomeAuth)
			return false
		}
		n.SetUser(want)
		n.Done(OutcomeOK)
		return true
	}
	n.Done(OutcomeAuth)
	return false
}

func (p *provider) ProcessResponse(n *Negotiator, response []byte) bool {
	n.logf("unexpected SASL response for %s", n.Mech())
	return false
}

func (p *provider) Free(n *Negotiator) {
	p.client = nil
}

// parsePlain splits the PLAIN message authzid NUL authcid NUL passwd.
func parsePlain(b []byte) (authzid, authcid, passwd string, ok bool) {
	parts := strings.SplitN(string(b), "\x00", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// anonProvider accepts and requests anonymous access only.
type anonProvider struct{}

func (anonProvider) ListMechs(n *Negotiator) string { return "ANONYMOUS" }
func (anonProvider) InitClient(n *Negotiator) bool  { return true }
func (anonProvider) InitServer(n *Negotiator) bool  { return true }

func (anonProvider) ProcessMechanisms(n *Negotiator, mechs string) bool {
	if mechs == "" || !mechIncluded(mechs, "ANONYMOUS") {
		n.logf("peer does not offer ANONYMOUS")
		return false
	}
	user, _ := n.Credentials()
	n.SetMechanism("ANONYMOUS")
	n.SetBytesOut([]byte(user))
	return true
}

func (anonProvider) ProcessInit(n *Negotiator, mech string, response []byte) bool {
	if !strings.EqualFold(mech, "ANONYMOUS") {
		n.Done(OutcomeAuth)
		return false
	}
	n.SetUser("anonymous")
	n.Done(OutcomeOK)
	return true
}

func (anonProvider) ProcessChallenge(n *Negotiator, challenge []byte) bool {
	n.logf("cannot handle SASL challenge for ANONYMOUS")
	return false
}

func (anonProvider) ProcessResponse(n *Negotiator, response []byte) bool {
	n.Done(OutcomeAuth)
	return false
}

func (anonProvider) Free(n *Negotiator) {}
