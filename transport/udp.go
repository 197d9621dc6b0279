// Package transport implements the concrete UDP binding for RPC traffic:
// an unreliable datagram socket wrapped with window.SlidingWindow so each
// peer conversation gets retransmission, cumulative acknowledgement and
// duplicate suppression on top. The socket itself follows a
// Listen/Send/Close lifecycle over net.UDPConn with msgpack framing and
// zap logging; the reliability layer is built from the window package.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultRTO is the retransmission timeout applied when Config.RTO is
// unset: a pending frame unacknowledged for this long is resent.
const DefaultRTO = 500 * time.Millisecond

// DefaultMaxRetransmits bounds how many times a frame is resent. Past it,
// the frame is no longer resent but stays in the session's outbound window,
// and each retransmit pass logs a warning for it; the session is kept.
const DefaultMaxRetransmits = 5

// Handler processes one delivered (in-order, de-duplicated) payload from
// a peer.
type Handler func(ctx context.Context, from *net.UDPAddr, payload []byte)

// Config configures a Socket.
type Config struct {
	RTO              time.Duration
	MaxRetransmits   int
	RetransmitPoll   time.Duration
	Clock            clock.Clock
	Logger           *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.RTO <= 0 {
		c.RTO = DefaultRTO
	}
	if c.MaxRetransmits <= 0 {
		c.MaxRetransmits = DefaultMaxRetransmits
	}
	if c.RetransmitPoll <= 0 {
		c.RetransmitPoll = c.RTO / 2
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Socket is a reliable UDP endpoint: one socket per listening node,
// fanning out to one session per peer address it has exchanged traffic
// with.
type Socket struct {
	cfg     Config
	conn    *net.UDPConn
	handler Handler

	mu       sync.Mutex
	sessions map[string]*session

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Listen opens a UDP socket on addr and starts its receive and
// retransmission loops. handler is invoked, from a dedicated goroutine,
// for every payload delivered in order from any peer.
func Listen(addr string, cfg Config, handler Handler) (*Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}
	s := &Socket{
		cfg:      cfg.withDefaults(),
		conn:     conn,
		handler:  handler,
		sessions: make(map[string]*session),
		stopCh:   make(chan struct{}),
	}
	s.wg.Add(2)
	go s.recvLoop()
	go s.retransmitLoop()
	return s, nil
}

// LocalAddr returns the socket's bound address.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Send reliably delivers payload to to: it is retransmitted on the
// session's RTO until the peer's cumulative ack passes it, or the
// session's retransmit budget is exhausted.
func (s *Socket) Send(ctx context.Context, to *net.UDPAddr, payload []byte) error {
	sess := s.sessionFor(to.String())

	seq, err := sess.enqueue(payload, s.cfg.Clock.Now())
	if err != nil {
		return fmt.Errorf("transport: session to %s: %w", to, err)
	}
	return s.sendData(to, sess, seq, payload)
}

func (s *Socket) sendData(to *net.UDPAddr, sess *session, seq uint32, payload []byte) error {
	data, err := encodePacket(packet{Kind: kindData, Seq: seq, NextExpected: sess.nextExpected(), Payload: payload})
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	_, err = s.conn.WriteToUDP(data, to)
	if err != nil {
		s.cfg.Logger.Warn("transport: send failed", zap.Stringer("to", to), zap.Error(err))
	}
	return err
}

func (s *Socket) sendAck(to *net.UDPAddr, sess *session) {
	data, err := encodePacket(packet{Kind: kindAck, NextExpected: sess.nextExpected()})
	if err != nil {
		return
	}
	if _, err := s.conn.WriteToUDP(data, to); err != nil {
		s.cfg.Logger.Warn("transport: ack send failed", zap.Stringer("to", to), zap.Error(err))
	}
}

func (s *Socket) sessionFor(peer string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[peer]
	if !ok {
		sess = newSession(peer)
		s.sessions[peer] = sess
	}
	return sess
}

func (s *Socket) recvLoop() {
	defer s.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.cfg.Logger.Debug("transport: read error", zap.Error(err))
			continue
		}
		p, err := decodePacket(buf[:n])
		if err != nil {
			s.cfg.Logger.Debug("transport: malformed packet", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		s.handlePacket(from, p)
	}
}

func (s *Socket) handlePacket(from *net.UDPAddr, p packet) {
	sess := s.sessionFor(from.String())
	sess.ack(p.NextExpected)

	if p.Kind == kindAck {
		return
	}

	delivered := sess.receive(p.Seq, p.Payload)
	s.sendAck(from, sess)
	for _, frame := range delivered {
		s.handler(context.Background(), from, frame.payload)
	}
}

func (s *Socket) retransmitLoop() {
	defer s.wg.Done()
	ticker := s.cfg.Clock.Ticker(s.cfg.RetransmitPoll)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.retransmitDue()
		}
	}
}

func (s *Socket) retransmitDue() {
	now := s.cfg.Clock.Now()

	s.mu.Lock()
	peers := make([]string, 0, len(s.sessions))
	for peer := range s.sessions {
		peers = append(peers, peer)
	}
	s.mu.Unlock()

	for _, peer := range peers {
		sess := s.sessionFor(peer)
		to, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			continue
		}
		for _, due := range sess.duePendingFrames(now, s.cfg.RTO) {
			if due.frame.retransmits > s.cfg.MaxRetransmits {
				s.cfg.Logger.Warn("transport: peer unresponsive, giving up on frame",
					zap.String("peer", peer), zap.Int("retransmits", due.frame.retransmits))
				continue
			}
			_ = s.sendData(to, sess, due.seq, due.frame.payload)
		}
	}
}

// Close stops the socket's background loops and releases the underlying
// UDP connection.
func (s *Socket) Close() error {
	close(s.stopCh)
	err := s.conn.Close()
	s.wg.Wait()
	return err
}
