// Package kcp adapts github.com/xtaci/kcp-go/v5 to RelayCore: it drives
// OnConnected/OnData/OnDisconnected and implements relay.Transport's
// Send/Disconnect. RelayCore.OnError is not called by this adapter.
package kcp

import (
	"fmt"
	"io"
	"sync"
	"time"

	kcpgo "github.com/xtaci/kcp-go/v5"

	"github.com/gosuda/kcprelay/relay"
	"github.com/rs/zerolog"
)

// Options mirrors the KCP configuration keys of spec §6.
type Options struct {
	DualMode          bool
	NoDelay           bool
	Interval          int
	Timeout           time.Duration
	RecvBufferSize    int
	SendBufferSize    int
	FastResend        int
	ReceiveWindowSize int
	SendWindowSize    int
	MaxRetransmit     int
}

// DefaultOptions returns spec §6's recommended defaults.
func DefaultOptions() Options {
	return Options{
		NoDelay:           true,
		Interval:          10,
		Timeout:           10000 * time.Millisecond,
		RecvBufferSize:    7 << 20,
		SendBufferSize:    7 << 20,
		FastResend:        2,
		ReceiveWindowSize: 4096,
		SendWindowSize:    4096,
		MaxRetransmit:     40, // 2x kcp-go's historical default dead-link count of 20
	}
}

// Server owns a KCP listener, one reader goroutine per live session, and
// drives a relay.RelayCore with the events it observes. It implements
// relay.Transport so the core can send and disconnect through it.
type Server struct {
	listener *kcpgo.Listener
	core     *relay.RelayCore
	opts     Options
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[uint64]*kcpgo.UDPSession

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// Listen opens a KCP listener on addr (no FEC, no block cipher: this
// relay's transport carries plaintext, spec §1 Non-goals) and binds it to
// core. Call Start to begin accepting connections.
func Listen(addr string, core *relay.RelayCore, opts Options, log zerolog.Logger) (*Server, error) {
	listener, err := kcpgo.ListenWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("kcp listen %s: %w", addr, err)
	}
	if opts.RecvBufferSize > 0 {
		_ = listener.SetReadBuffer(opts.RecvBufferSize)
	}
	if opts.SendBufferSize > 0 {
		_ = listener.SetWriteBuffer(opts.SendBufferSize)
	}

	s := &Server{
		listener: listener,
		core:     core,
		opts:     opts,
		log:      log,
		sessions: make(map[uint64]*kcpgo.UDPSession),
		stopCh:   make(chan struct{}),
	}
	core.SetTransport(s)
	return s, nil
}

// Start launches the accept loop in its own goroutine.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.acceptLoop()
}

// Stop closes the listener (ending the accept loop), closes every live
// session, and waits for their reader goroutines to exit.
func (s *Server) Stop() error {
	close(s.stopCh)
	err := s.listener.Close()

	s.mu.Lock()
	sessions := make([]*kcpgo.UDPSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.Close()
	}

	s.wg.Wait()
	return err
}

// Addr returns the listener's local address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		sess, err := s.listener.AcceptKCP()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Error().Err(err).Msg("[kcp] accept error")
				continue
			}
		}
		s.configureSession(sess)

		connectionId := uint64(sess.GetConv())
		s.mu.Lock()
		s.sessions[connectionId] = sess
		s.mu.Unlock()

		s.core.OnConnected(connectionId)

		s.wg.Add(1)
		go s.readLoop(connectionId, sess)
	}
}

func (s *Server) configureSession(sess *kcpgo.UDPSession) {
	sess.SetStreamMode(false) // preserve one-message-per-frame boundaries
	nodelay := 0
	if s.opts.NoDelay {
		nodelay = 1
	}
	sess.SetNoDelay(nodelay, s.opts.Interval, s.opts.FastResend, 1)
	sess.SetWindowSize(s.opts.SendWindowSize, s.opts.ReceiveWindowSize)
	sess.SetACKNoDelay(true)
	if s.opts.Timeout > 0 {
		_ = sess.SetReadDeadline(time.Time{}) // rely on KCP's own idle timeout, not a hard deadline
	}
}

const maxFrameSize = 65536

func (s *Server) readLoop(connectionId uint64, sess *kcpgo.UDPSession) {
	defer s.wg.Done()
	buf := make([]byte, maxFrameSize)

	for {
		n, err := sess.Read(buf)
		if err != nil {
			s.mu.Lock()
			delete(s.sessions, connectionId)
			s.mu.Unlock()
			if err != io.EOF {
				s.log.Debug().Err(err).Uint64("connection_id", connectionId).Msg("[kcp] session closed")
			}
			s.core.OnDisconnected(connectionId)
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		s.core.OnData(connectionId, relay.ChannelReliable, frame)
	}
}

// Send implements relay.Transport.
func (s *Server) Send(connectionId uint64, channel relay.Channel, data []byte) error {
	if channel != relay.ChannelReliable {
		return fmt.Errorf("kcp transport: channel %d not supported", channel)
	}
	s.mu.Lock()
	sess, ok := s.sessions[connectionId]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("kcp transport: unknown connection %d", connectionId)
	}
	_, err := sess.Write(data)
	return err
}

// Disconnect implements relay.Transport.
func (s *Server) Disconnect(connectionId uint64) {
	s.mu.Lock()
	sess, ok := s.sessions[connectionId]
	delete(s.sessions, connectionId)
	s.mu.Unlock()
	if ok {
		_ = sess.Close()
	}
}
