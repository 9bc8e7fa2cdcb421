// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package amqpsasl

import (
	"strings"
)

// maxMechs is the most mechanisms a single sasl-mechanisms frame will carry.
const maxMechs = 16

// anonymousMech is the mechanism name that triggers the client side
// short-circuit when it is the only allowed mechanism.
const anonymousMech = "ANONYMOUS"

// mechIncluded reports whether mech appears in the space separated
// allow-list. The match is case-insensitive and an empty list allows
// everything. A name containing a space can never match.
func mechIncluded(list, mech string) bool {
	if strings.IndexByte(mech, ' ') >= 0 {
		return false
	}
	if list == "" {
		return true
	}
	rest := list
	for rest != "" {
		var word string
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			word, rest = rest[:i], rest[i+1:]
		} else {
			word, rest = rest, ""
		}
		if strings.EqualFold(word, mech) {
			return true
		}
	}
	return false
}

// filterMechs keeps the offered mechanisms surviving the allow-list,
// preserving their order, and returns them joined with spaces.
func filterMechs(offered []string, allow string) string {
	var kept []string
	for _, m := range offered {
		if m != "" && mechIncluded(allow, m) {
			kept = append(kept, m)
		}
	}
	return strings.Join(kept, " ")
}

// forceAnonymous simulates receipt of a sasl-mechanisms frame offering only
// ANONYMOUS. On success the client moves to the pretend outcome state and
// proceeds without waiting for the server; the real mechanisms frame, if one
// ever arrives, is ignored.
func (n *Negotiator) forceAnonymous() {
	if n.role != Client {
		return
	}
	ok := n.initClient() && n.provider.ProcessMechanisms(n, anonymousMech)
	if ok {
		n.setDesiredState(PretendOutcome)
		return
	}
	n.outcome = OutcomeSysPerm
	n.setDesiredState(RecvedOutcome)
}
