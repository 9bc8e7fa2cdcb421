// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package wire

// DefaultMaxFrame is the largest inbound SASL frame a dispatcher accepts
// unless configured otherwise. SASL exchanges are small; anything bigger is
// treated as a framing error.
const DefaultMaxFrame = 4096

// A Handler consumes decoded performatives.
type Handler interface {
	HandlePerformative(p Performative) error
}

// A Dispatcher adapts between the byte oriented I/O layer below and the
// performative oriented handlers above. It never performs I/O itself: bytes
// are pushed in with Feed and pulled out with Drain.
type Dispatcher struct {
	// MaxFrame bounds the size of a single inbound frame. Zero means
	// DefaultMaxFrame. Frames queued with Post are not checked against it.
	MaxFrame uint32

	out []byte
}

func (d *Dispatcher) maxFrame() uint32 {
	if d.MaxFrame == 0 {
		return DefaultMaxFrame
	}
	return d.MaxFrame
}

// Feed decodes as many complete frames as b holds, delivering each to h, and
// returns the number of bytes consumed. A trailing partial frame is left
// unconsumed for the next call. Decoding stops at the first error, either
// from the grammar or from the handler.
func (d *Dispatcher) Feed(b []byte, h Handler) (int, error) {
	consumed := 0
	for {
		p, n, err := Unmarshal(b[consumed:], d.maxFrame())
		if err != nil {
			return consumed, err
		}
		if n == 0 {
			return consumed, nil
		}
		consumed += n
		if p == nil {
			// Empty frame; nothing to deliver.
			continue
		}
		if err = h.HandlePerformative(p); err != nil {
			return consumed, err
		}
	}
}

// Post serializes p and queues it for Drain.
func (d *Dispatcher) Post(p Performative) {
	d.out = append(d.out, Marshal(p)...)
}

// Pending reports whether serialized frames are waiting to be drained.
func (d *Dispatcher) Pending() bool {
	return len(d.out) > 0
}

// Drain copies queued frame bytes into buf and returns the number of bytes
// written. Partial drains are fine; the remainder stays queued.
func (d *Dispatcher) Drain(buf []byte) int {
	n := copy(buf, d.out)
	d.out = d.out[n:]
	if len(d.out) == 0 {
		d.out = nil
	}
	return n
}
