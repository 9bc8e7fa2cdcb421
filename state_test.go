// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package amqpsasl

import (
	"testing"

	"mellium.im/amqpsasl/wire"
)

// drainFrames empties the negotiator's dispatcher and decodes what came
// out.
func drainFrames(t *testing.T, n *Negotiator) []wire.Performative {
	t.Helper()
	var raw []byte
	buf := make([]byte, 512)
	for n.disp.Pending() {
		m := n.disp.Drain(buf)
		raw = append(raw, buf[:m]...)
	}
	var out []wire.Performative
	for len(raw) > 0 {
		p, m, err := wire.Unmarshal(raw, wire.DefaultMaxFrame)
		if err != nil {
			t.Fatalf("decoding drained frame: %v", err)
		}
		if m == 0 {
			t.Fatalf("dispatcher drained a partial frame: %x", raw)
		}
		raw = raw[m:]
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func TestDesiredStateMonotonic(t *testing.T) {
	all := []State{
		None, PostedInit, PostedMechanisms, PostedResponse,
		PostedChallenge, PretendOutcome, PostedOutcome, RecvedOutcome,
	}
	// A few deliberately hostile orderings, mixing both roles' states and
	// backward jumps.
	sequences := [][]State{
		all,
		{RecvedOutcome, PostedInit, None, PretendOutcome, PostedOutcome},
		{PostedResponse, PostedResponse, PostedInit, None, RecvedOutcome},
		{PostedOutcome, PostedChallenge, PostedMechanisms, None, PostedOutcome},
		{PretendOutcome, PostedMechanisms, RecvedOutcome, PostedChallenge},
	}
	for _, role := range []Role{Client, Server} {
		for _, seq := range sequences {
			n := New(role)
			n.outcome = OutcomeOK
			prev := n.last
			for _, s := range seq {
				n.setDesiredState(s)
				n.postFrames()
				if n.last < prev {
					t.Fatalf("%v: last state went backward: %v after %v (sequence %v)",
						role, n.last, prev, seq)
				}
				prev = n.last
			}
		}
	}
}

func TestRoleLegality(t *testing.T) {
	server := New(Server)
	for _, s := range []State{PostedInit, PostedResponse, PretendOutcome, RecvedOutcome} {
		server.setDesiredState(s)
		if server.desired != None {
			t.Errorf("server accepted client state %v", s)
		}
	}
	client := New(Client)
	for _, s := range []State{PostedMechanisms, PostedChallenge, PostedOutcome} {
		client.setDesiredState(s)
		if client.desired != None {
			t.Errorf("client accepted server state %v", s)
		}
	}
}

func TestClientNeverEmitsServerFrames(t *testing.T) {
	n := New(Client)
	n.SetMechanism("PLAIN")
	n.SetBytesOut([]byte("\x00u\x00p"))
	for _, s := range []State{
		PostedInit, PostedMechanisms, PostedResponse, PostedChallenge,
		PostedOutcome, RecvedOutcome,
	} {
		n.setDesiredState(s)
		n.postFrames()
	}
	for _, p := range drainFrames(t, n) {
		switch p.(type) {
		case wire.Mechanisms, wire.Challenge, wire.Outcome:
			t.Errorf("client emitted server performative %s", p.Name())
		}
	}
}

func TestRepeatRewindsLastState(t *testing.T) {
	n := New(Client)
	n.SetMechanism("SCRAM-SHA-1")
	n.SetBytesOut([]byte("n,,n=u,r=nonce"))
	n.setDesiredState(PostedInit)
	n.postFrames()

	for round := 0; round < 3; round++ {
		n.SendResponse([]byte{byte(round)})
		n.postFrames()
		if n.last != PostedResponse {
			t.Fatalf("round %d: last state %v", round, n.last)
		}
	}

	var responses int
	for _, p := range drainFrames(t, n) {
		if _, ok := p.(wire.Response); ok {
			responses++
		}
	}
	if responses != 3 {
		t.Fatalf("want 3 response frames on the wire, got %d", responses)
	}
}

func TestChallengeRedirectsThroughMechanisms(t *testing.T) {
	n := New(Server)
	n.serverInit = true
	n.SendChallenge([]byte("c1"))
	n.postFrames()

	frames := drainFrames(t, n)
	if len(frames) != 2 {
		t.Fatalf("want mechanisms then challenge, got %d frames", len(frames))
	}
	if _, ok := frames[0].(wire.Mechanisms); !ok {
		t.Errorf("want Mechanisms first, got %T", frames[0])
	}
	if _, ok := frames[1].(wire.Challenge); !ok {
		t.Errorf("want Challenge second, got %T", frames[1])
	}
}

func TestSplitMechs(t *testing.T) {
	mechs, err := splitMechs("EXTERNAL PLAIN ANONYMOUS", "plain anonymous")
	if err != nil {
		t.Fatal(err)
	}
	if len(mechs) != 2 || mechs[0] != "PLAIN" || mechs[1] != "ANONYMOUS" {
		t.Fatalf("want [PLAIN ANONYMOUS], got %v", mechs)
	}

	mechs, err = splitMechs("  PLAIN   ANONYMOUS ", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(mechs) != 2 {
		t.Fatalf("empty tokens survived the split: %v", mechs)
	}
}

func TestSplitMechsFailsClosed(t *testing.T) {
	list := "M0"
	for i := 1; i <= maxMechs; i++ {
		list += " M" + string(rune('A'+i))
	}
	if _, err := splitMechs(list, ""); err == nil {
		t.Fatal("expected an error for an oversized mechanism list")
	}
	// Filtering below the cap must succeed.
	if _, err := splitMechs(list, "M0 MB"); err != nil {
		t.Fatalf("filtered list should fit: %v", err)
	}
}
