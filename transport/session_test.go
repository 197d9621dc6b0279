package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionEnqueueAssignsSequentialSequenceNumbers(t *testing.T) {
	s := newSession("peer")
	now := time.Now()

	seq0, err := s.enqueue([]byte("a"), now)
	require.NoError(t, err)
	seq1, err := s.enqueue([]byte("b"), now)
	require.NoError(t, err)

	require.Equal(t, uint32(0), seq0)
	require.Equal(t, uint32(1), seq1)
}

func TestSessionEnqueueFailsWhenOutboundWindowFull(t *testing.T) {
	s := newSession("peer")
	now := time.Now()
	for i := 0; i < outboundCapacity; i++ {
		_, err := s.enqueue([]byte("x"), now)
		require.NoError(t, err)
	}
	_, err := s.enqueue([]byte("overflow"), now)
	require.Error(t, err)
}

func TestSessionAckDropsEverythingBeforeNextExpected(t *testing.T) {
	s := newSession("peer")
	now := time.Now()
	for i := 0; i < 5; i++ {
		_, err := s.enqueue([]byte("x"), now)
		require.NoError(t, err)
	}
	require.Equal(t, 5, s.out.Size())

	s.ack(3)
	require.Equal(t, 2, s.out.Size())
	require.Equal(t, uint32(3), s.out.Begin())
}

func TestSessionAckIsIdempotentAndIgnoresStaleAcks(t *testing.T) {
	s := newSession("peer")
	now := time.Now()
	for i := 0; i < 3; i++ {
		_, err := s.enqueue([]byte("x"), now)
		require.NoError(t, err)
	}
	s.ack(2)
	require.Equal(t, 1, s.out.Size())

	s.ack(1) // stale: already past this point
	require.Equal(t, 1, s.out.Size())

	s.ack(3)
	require.Equal(t, 0, s.out.Size())
}

func TestSessionReceiveDeliversInOrderArrival(t *testing.T) {
	s := newSession("peer")

	delivered := s.receive(0, []byte("first"))
	require.Len(t, delivered, 1)
	require.Equal(t, []byte("first"), delivered[0].payload)
	require.Equal(t, uint32(1), s.nextExpected())
}

func TestSessionReceiveBuffersOutOfOrderUntilGapFills(t *testing.T) {
	s := newSession("peer")

	delivered := s.receive(1, []byte("second"))
	require.Empty(t, delivered) // seq 1 arrived before seq 0, nothing deliverable yet
	require.Equal(t, uint32(0), s.nextExpected())

	delivered = s.receive(0, []byte("first"))
	require.Len(t, delivered, 2)
	require.Equal(t, []byte("first"), delivered[0].payload)
	require.Equal(t, []byte("second"), delivered[1].payload)
	require.Equal(t, uint32(2), s.nextExpected())
}

func TestSessionReceiveDropsDuplicateOfAlreadyDeliveredFrame(t *testing.T) {
	s := newSession("peer")
	delivered := s.receive(0, []byte("first"))
	require.Len(t, delivered, 1)

	delivered = s.receive(0, []byte("first-retransmit"))
	require.Empty(t, delivered)
	require.Equal(t, uint32(1), s.nextExpected())
}

func TestSessionReceiveDropsDuplicateStillPendingInReorderWindow(t *testing.T) {
	s := newSession("peer")
	delivered := s.receive(2, []byte("third"))
	require.Empty(t, delivered)

	// Retransmit of the same out-of-order frame must not double-buffer or
	// otherwise disturb the slot.
	delivered = s.receive(2, []byte("third-retransmit"))
	require.Empty(t, delivered)

	delivered = s.receive(0, []byte("first"))
	require.Len(t, delivered, 1) // seq 2 still waits on seq 1
	require.Equal(t, []byte("first"), delivered[0].payload)

	delivered = s.receive(1, []byte("second"))
	require.Len(t, delivered, 2)
	require.Equal(t, []byte("second"), delivered[0].payload)
	require.Equal(t, []byte("third"), delivered[1].payload)
}

func TestSessionReceiveDropsWhenPeerTooFarAheadOfReorderWindow(t *testing.T) {
	s := newSession("peer")
	delivered := s.receive(uint32(inboundCapacity)+10, []byte("far-future"))
	require.Empty(t, delivered)
	require.Equal(t, uint32(0), s.nextExpected())
}

func TestSessionDuePendingFramesOnlyReturnsExpiredFrames(t *testing.T) {
	s := newSession("peer")
	start := time.Now()
	_, err := s.enqueue([]byte("a"), start)
	require.NoError(t, err)

	due := s.duePendingFrames(start, 500*time.Millisecond)
	require.Empty(t, due)

	due = s.duePendingFrames(start.Add(600*time.Millisecond), 500*time.Millisecond)
	require.Len(t, due, 1)
	require.Equal(t, uint32(0), due[0].seq)
	require.Equal(t, 1, due[0].frame.retransmits)
}

func TestSessionDuePendingFramesBumpsRetransmitCountAndLastSent(t *testing.T) {
	s := newSession("peer")
	start := time.Now()
	_, err := s.enqueue([]byte("a"), start)
	require.NoError(t, err)

	t1 := start.Add(600 * time.Millisecond)
	due := s.duePendingFrames(t1, 500*time.Millisecond)
	require.Len(t, due, 1)
	require.Equal(t, 1, due[0].frame.retransmits)

	// Immediately after a retransmit, the frame isn't due again.
	due = s.duePendingFrames(t1.Add(100*time.Millisecond), 500*time.Millisecond)
	require.Empty(t, due)

	t2 := t1.Add(600 * time.Millisecond)
	due = s.duePendingFrames(t2, 500*time.Millisecond)
	require.Len(t, due, 1)
	require.Equal(t, 2, due[0].frame.retransmits)
}

func TestSessionDuePendingFramesStopsAckedFramesFromRetransmitting(t *testing.T) {
	s := newSession("peer")
	start := time.Now()
	_, err := s.enqueue([]byte("a"), start)
	require.NoError(t, err)
	_, err = s.enqueue([]byte("b"), start)
	require.NoError(t, err)

	s.ack(1) // only the first frame acked

	due := s.duePendingFrames(start.Add(600*time.Millisecond), 500*time.Millisecond)
	require.Len(t, due, 1)
	require.Equal(t, uint32(1), due[0].seq)
}
