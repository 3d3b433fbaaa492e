package reconcile

import "sort"

type held[T any] struct {
	seq  uint64
	next uint64
	item T
}

// Reconciler tracks the expected inbound number, messages held beyond a gap
// and the single outstanding resend range. It performs no I/O.
type Reconciler[T any] struct {
	expected    uint64
	held        map[uint64]held[T]
	outstanding *Range
}

func New[T any](expected uint64) *Reconciler[T] {
	if expected == 0 {
		expected = 1
	}
	return &Reconciler[T]{
		expected: expected,
		held:     make(map[uint64]held[T]),
	}
}

func (r *Reconciler[T]) Expected() uint64 {
	return r.expected
}

// Recovering reports whether a resend request is outstanding.
func (r *Reconciler[T]) Recovering() bool {
	return r.outstanding != nil
}

// Outstanding returns the requested range while recovering.
func (r *Reconciler[T]) Outstanding() (Range, bool) {
	if r.outstanding == nil {
		return Range{}, false
	}
	return *r.outstanding, true
}

// Held returns how many messages wait for a gap to close.
func (r *Reconciler[T]) Held() int {
	return len(r.held)
}

// Observe classifies seq. next is the number expected after this message:
// seq+1 normally, NewSeqNo for a gap fill. Accepted messages advance the
// expected number; messages at or beyond it are held while recovering and the
// first gap emits a resend request.
func (r *Reconciler[T]) Observe(seq uint64, possDup bool, next uint64, item T) Decision {
	if next <= seq {
		next = seq + 1
	}
	if seq < r.expected {
		return Decide(r.expected, seq, possDup)
	}
	if r.outstanding != nil {
		r.hold(seq, next, item)
		return Decision{Action: ActionHold, Expected: r.expected}
	}

	d := Decide(r.expected, seq, possDup)
	switch d.Action {
	case ActionAccept:
		r.expected = next
		d.Expected = next
	case ActionRequestResend:
		r.hold(seq, next, item)
		gap := d.Resend
		r.outstanding = &gap
	}
	return d
}

func (r *Reconciler[T]) hold(seq, next uint64, item T) {
	if prev, ok := r.held[seq]; ok && prev.next >= next {
		return
	}
	r.held[seq] = held[T]{seq: seq, next: next, item: item}
}

// Release returns the held messages that now continue the expected number,
// in ascending order, and advances past them. While a request is outstanding
// nothing is released until the held chain covers its end.
func (r *Reconciler[T]) Release() []T {
	if r.outstanding != nil && !r.GapClosed() {
		return nil
	}
	var out []T
	for {
		h, ok := r.held[r.expected]
		if !ok {
			break
		}
		delete(r.held, r.expected)
		out = append(out, h.item)
		r.expected = h.next
	}
	r.dropBelow(r.expected)
	if r.outstanding != nil && r.expected > r.outstanding.End {
		r.outstanding = nil
	}
	return out
}

// GapClosed reports whether Release would clear the outstanding request.
func (r *Reconciler[T]) GapClosed() bool {
	if r.outstanding == nil {
		return false
	}
	exp := r.expected
	for {
		h, ok := r.held[exp]
		if !ok {
			break
		}
		exp = h.next
	}
	return exp > r.outstanding.End
}

// NextGap starts a new request for the hole below the lowest held message
// when nothing is outstanding.
func (r *Reconciler[T]) NextGap() (Range, bool) {
	if r.outstanding != nil || len(r.held) == 0 {
		return Range{}, false
	}
	seqs := r.heldSeqs()
	gap := Range{Begin: r.expected, End: seqs[0] - 1}
	r.outstanding = &gap
	return gap, true
}

// Reset moves the expected number, dropping held messages below it and any
// request it makes moot.
func (r *Reconciler[T]) Reset(expected uint64) {
	if expected == 0 {
		expected = 1
	}
	r.expected = expected
	r.dropBelow(expected)
	if r.outstanding != nil && r.outstanding.End < expected {
		r.outstanding = nil
	}
	if r.outstanding != nil && r.outstanding.Begin < expected {
		r.outstanding.Begin = expected
	}
}

// Clear forgets held messages and the outstanding request, as on a new
// connection.
func (r *Reconciler[T]) Clear(expected uint64) {
	r.held = make(map[uint64]held[T])
	r.outstanding = nil
	if expected == 0 {
		expected = 1
	}
	r.expected = expected
}

func (r *Reconciler[T]) dropBelow(seq uint64) {
	for s := range r.held {
		if s < seq {
			delete(r.held, s)
		}
	}
}

func (r *Reconciler[T]) heldSeqs() []uint64 {
	seqs := make([]uint64, 0, len(r.held))
	for s := range r.held {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}
