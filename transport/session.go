package transport

import (
	"time"

	"github.com/plprobelab/kadcore/window"
)

// outboundCapacity and inboundCapacity bound how many frames a session
// keeps in flight, or reorder-buffered, before Send fails with
// window.ErrFull or a peer is
// considered to have fallen too far behind to keep up with.
const (
	outboundCapacity = 64
	inboundCapacity  = 64
)

// pendingFrame is an unacknowledged outbound frame, retransmitted until
// acked or the session is torn down.
type pendingFrame struct {
	payload     []byte
	firstSent   time.Time
	lastSent    time.Time
	retransmits int
}

// receivedFrame is an inbound frame held until it can be delivered in
// sequence order. A zero-value receivedFrame (payload == nil) marks a
// window slot reserved for a sequence number not yet arrived.
type receivedFrame struct {
	payload []byte
}

// session is the per-peer reliability state a Socket keeps: an outbound
// sliding window of frames awaiting acknowledgement, and an inbound
// sliding window used to re-order and de-duplicate arrivals before
// delivering them to the socket's receive callback.
type session struct {
	peer string

	out *window.SlidingWindow[pendingFrame]
	in  *window.SlidingWindow[receivedFrame]
}

func newSession(peer string) *session {
	return &session{
		peer: peer,
		out:  window.New[pendingFrame](0, outboundCapacity),
		in:   window.New[receivedFrame](0, inboundCapacity),
	}
}

// seqLess reports whether a precedes b in sequence order, under the same
// modular convention the window package itself relies on.
func seqLess(a, b uint32) bool {
	return a != b && b-a < 1<<31
}

// enqueue appends payload to the outbound window, returning the sequence
// number it was assigned. ErrFull propagates when the peer hasn't acked
// fast enough to make room.
func (s *session) enqueue(payload []byte, now time.Time) (uint32, error) {
	seq, err := s.out.Append()
	if err != nil {
		return 0, err
	}
	_ = s.out.Set(seq, pendingFrame{payload: payload, firstSent: now, lastSent: now})
	return seq, nil
}

// ack drops every outbound frame the peer has reported receiving:
// everything strictly before nextExpected, the cumulative-ack convention
// carried on every ACK frame (the sequence number the peer next expects).
func (s *session) ack(nextExpected uint32) {
	for s.out.Size() > 0 && seqLess(s.out.Begin(), nextExpected) {
		if err := s.out.Remove(); err != nil {
			break
		}
	}
}

// receive records an inbound frame at seq, growing the reorder window as
// needed, and returns every frame now deliverable in sequence order
// (possibly none, if seq arrived out of order, or empty if seq is a
// retransmitted duplicate of an already-delivered frame).
func (s *session) receive(seq uint32, payload []byte) []receivedFrame {
	if seqLess(seq, s.in.Begin()) {
		return nil // duplicate of an already-delivered frame
	}
	for {
		if _, err := s.in.At(seq); err == nil {
			break
		}
		if _, err := s.in.Append(); err != nil {
			return nil // peer too far ahead of our reorder window; drop
		}
	}
	if existing, _ := s.in.At(seq); existing.payload == nil {
		_ = s.in.Set(seq, receivedFrame{payload: payload})
	}

	var deliverable []receivedFrame
	for s.in.Size() > 0 {
		head, err := s.in.At(s.in.Begin())
		if err != nil || head.payload == nil {
			break
		}
		deliverable = append(deliverable, head)
		_ = s.in.Remove()
	}
	return deliverable
}

// nextExpected is the cumulative-ack value to piggyback on outbound
// traffic: the sequence number this session next expects to receive.
func (s *session) nextExpected() uint32 {
	return s.in.Begin()
}

// dueFrame pairs a pendingFrame with the sequence number it occupies, so
// a retransmit can address the exact outbound slot rather than guessing
// its position from the window's current Begin.
type dueFrame struct {
	seq   uint32
	frame pendingFrame
}

// duePendingFrames returns outbound frames whose last send is older than
// rto, bumping their retransmit bookkeeping as a side effect.
func (s *session) duePendingFrames(now time.Time, rto time.Duration) []dueFrame {
	var due []dueFrame
	for seq := s.out.Begin(); seq != s.out.End(); seq++ {
		f, err := s.out.At(seq)
		if err != nil {
			break
		}
		if now.Sub(f.lastSent) >= rto {
			f.lastSent = now
			f.retransmits++
			_ = s.out.Set(seq, f)
			due = append(due, dueFrame{seq: seq, frame: f})
		}
	}
	return due
}
