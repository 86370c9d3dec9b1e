// Package control implements the JSON control plane. Clients connect over
// TCP, exchange newline-delimited JSON messages, and stay connected through
// protocol errors: a bad line earns an error reply, not a disconnect.
package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lanhub/internal/config"
	"lanhub/internal/protocol"
	"lanhub/internal/registry"
	"lanhub/internal/screenshare"
	"lanhub/internal/store"
	"lanhub/internal/transfer"
)

const (
	// MaxLineBytes bounds one control message on the wire.
	MaxLineBytes = 1 << 20
	writeTimeout = 5 * time.Second
	sendBufSize  = 64
)

var errLineTooLong = errors.New("control line exceeds limit")

// Server accepts control connections and dispatches their messages.
type Server struct {
	cfg     *config.Config
	reg     *registry.Registry
	st      *store.Store
	history *History
	files   *transfer.Broker
	screens *screenshare.Relay

	ln net.Listener
	wg sync.WaitGroup
}

// NewServer wires the control plane and reloads recent history from the
// archive so get_history spans restarts.
func NewServer(cfg *config.Config, reg *registry.Registry, st *store.Store, files *transfer.Broker, screens *screenshare.Relay) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		reg:     reg,
		st:      st,
		history: NewHistory(cfg.Store.HistorySize),
		files:   files,
		screens: screens,
	}

	rows, err := st.RecentMessages(context.Background(), cfg.Store.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("reload history: %w", err)
	}
	for _, row := range rows {
		s.history.Append(rowToMessage(row))
	}
	if len(rows) > 0 {
		slog.Info("history reloaded", "messages", len(rows))
	}
	return s, nil
}

// Listen binds the control address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Server.ControlAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.ControlAddr, err)
	}
	s.ln = ln
	slog.Info("control plane listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is done or the listener fails, then
// waits for every connection goroutine to finish.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	var serveErr error
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			serveErr = err
			break
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	return serveErr
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	sess := s.reg.Connect(conn.RemoteAddr().String(), sendBufSize)
	defer s.drop(sess.UID)

	go writePump(conn, sess.Send)

	limiter := rate.NewLimiter(rate.Limit(s.cfg.Server.RateLimit), s.cfg.Server.RateBurst)
	reader := bufio.NewReaderSize(conn, MaxLineBytes)
	for {
		line, err := readLine(reader)
		if errors.Is(err, errLineTooLong) {
			slog.Warn("oversized control line", "uid", sess.UID)
			s.sendError(sess.UID, "Malformed JSON")
			continue
		}
		if err != nil {
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !limiter.Allow() {
			s.sendError(sess.UID, "Rate limit exceeded")
			continue
		}

		var in protocol.Message
		if err := json.Unmarshal(line, &in); err != nil {
			slog.Debug("malformed control message", "uid", sess.UID, "err", err)
			s.sendError(sess.UID, "Malformed JSON")
			continue
		}
		if !s.handleInbound(sess.UID, in) {
			return
		}
	}
}

// drop unregisters the connection and, if it was a participant, announces
// the departure to everyone left.
func (s *Server) drop(uid uint32) {
	p, wasParticipant := s.reg.Unregister(uid)
	if !wasParticipant {
		return
	}
	s.reg.Broadcast(protocol.Message{
		Type:      protocol.TypeUserLeft,
		UID:       p.UID,
		Username:  p.Username,
		Timestamp: timestamp(),
	}, 0)
	s.broadcastParticipants()
}

// writePump drains one session's queue into the socket. It is the only
// writer for the connection, so replies and broadcasts keep their enqueue
// order on the wire.
func writePump(conn net.Conn, send <-chan protocol.Message) {
	enc := json.NewEncoder(conn)
	for msg := range send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := enc.Encode(msg); err != nil {
			_ = conn.Close()
			// Keep draining so the registry never blocks on this session.
			for range send {
			}
			return
		}
	}
}

// readLine returns the next newline-terminated line. Lines longer than the
// reader buffer are consumed and reported as errLineTooLong so the
// connection survives them.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err == nil {
		return line, nil
	}
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = r.ReadSlice('\n')
		}
		if err != nil {
			return nil, err
		}
		return nil, errLineTooLong
	}
	if errors.Is(err, io.EOF) && len(line) > 0 {
		return line, nil
	}
	return nil, err
}
