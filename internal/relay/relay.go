// Package relay serves the single user session: it sends the gateway state on
// connect, streams queued updates, and queues decrypted user messages for the
// coordinator.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/chaz8081/gatewaynode/internal/crypto"
	"github.com/chaz8081/gatewaynode/internal/metrics"
	"github.com/chaz8081/gatewaynode/internal/queue"
	"github.com/chaz8081/gatewaynode/internal/session"
	"github.com/chaz8081/gatewaynode/internal/wire"
)

// Inbound is a decrypted message received from the user.
type Inbound struct {
	Received time.Time
	Payload  []byte
}

// Snapshotter provides the JSON state sent as the first frame of a session.
type Snapshotter interface {
	SnapshotJSON() ([]byte, error)
}

// Service accepts one user connection at a time.
type Service struct {
	listen  string
	slot    *session.Slot
	store   Snapshotter
	updates *queue.Queue[[]byte]
	inbound *queue.Queue[Inbound]
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a relay. updates holds plaintext JSON to send; inbound receives
// decrypted user messages. m may be nil.
func New(listen string, slot *session.Slot, store Snapshotter, updates *queue.Queue[[]byte], inbound *queue.Queue[Inbound], m *metrics.Metrics) *Service {
	return &Service{
		listen:  listen,
		slot:    slot,
		store:   store,
		updates: updates,
		inbound: inbound,
		metrics: m,
		now:     time.Now,
	}
}

// Run listens on the configured address and serves until ctx is cancelled.
// A bind failure is returned as a *wire.BindError.
func (s *Service) Run(ctx context.Context) error {
	ln, err := wire.Listen(s.listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts sessions from ln until ctx is cancelled. It returns only after
// the current session and its reader have finished.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("[USER] relay service listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("[USER] relay service stopped")
				return nil
			}
			return fmt.Errorf("relay: accept: %w", err)
		}
		s.serveSession(ctx, conn)
	}
}

func (s *Service) serveSession(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()

	key, id, err := s.slot.Begin()
	if err != nil {
		slog.Warn("[USER] connection refused", "remote", remote, "error", err)
		conn.Close()
		return
	}
	log := slog.With("session", id, "remote", remote)
	log.Info("[USER] session started")
	s.metrics.SessionStarted()

	// Closing the connection on shutdown unblocks both the writer and the reader.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	disconnected := make(chan struct{})
	defer func() {
		stop()
		conn.Close()
		<-disconnected
		s.slot.End()
		s.metrics.SessionEnded()
		log.Info("[USER] session ended")
	}()

	// The snapshot supersedes anything queued before the session existed.
	if stale := s.updates.Drain(); len(stale) > 0 {
		log.Debug("[USER] discarded stale updates", "count", len(stale))
	}

	snapshot, err := s.store.SnapshotJSON()
	if err != nil {
		log.Error("[USER] snapshot", "error", err)
		close(disconnected)
		return
	}
	if err := s.send(conn, key, snapshot); err != nil {
		log.Warn("[USER] send snapshot", "error", err)
		close(disconnected)
		return
	}

	go s.read(conn, key, log, disconnected)

	for {
		for {
			update, ok := s.updates.Pop()
			if !ok {
				break
			}
			if err := s.send(conn, key, update); err != nil {
				log.Warn("[USER] send update", "error", err)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-disconnected:
			return
		case <-s.updates.Notify():
		}
	}
}

func (s *Service) send(conn net.Conn, key, plaintext []byte) error {
	sealed, err := crypto.Seal(key, plaintext)
	if err != nil {
		return err
	}
	return wire.WriteFrame(conn, sealed)
}

// read pushes decrypted user messages to the inbound queue until the peer
// closes or sends a frame that fails authentication.
func (s *Service) read(conn net.Conn, key []byte, log *slog.Logger, disconnected chan<- struct{}) {
	defer close(disconnected)

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("[USER] user disconnected")
			} else {
				log.Debug("[USER] read", "error", err)
			}
			return
		}

		plaintext, err := crypto.Open(key, frame)
		if err != nil {
			s.metrics.DecryptFailure(metrics.SourceRelay)
			log.Warn("[USER] message rejected, closing session", "error", err)
			return
		}
		s.inbound.Push(Inbound{Received: s.now(), Payload: plaintext})
	}
}
