// Package keyservice hands out session keys. A requester proves knowledge of
// the pre-shared server key and supplies an RSA public key; the service
// answers with a fresh session key wrapped for that public key.
package keyservice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/chaz8081/gatewaynode/internal/crypto"
	"github.com/chaz8081/gatewaynode/internal/metrics"
	"github.com/chaz8081/gatewaynode/internal/session"
	"github.com/chaz8081/gatewaynode/internal/wire"
)

// RequestTag prefixes the PEM public key in a session-key request.
const RequestTag = "KEY"

// Options configures a Service.
type Options struct {
	Listen           string
	HandshakeTimeout time.Duration // per-connection deadline (default 5s)
}

// Service serves one key request at a time.
type Service struct {
	opts      Options
	serverKey []byte
	slot      *session.Slot
	metrics   *metrics.Metrics
	newKey    func() ([]byte, error)
}

// New creates a key service issuing into slot. m may be nil.
func New(opts Options, serverKey []byte, slot *session.Slot, m *metrics.Metrics) *Service {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	return &Service{
		opts:      opts,
		serverKey: serverKey,
		slot:      slot,
		metrics:   m,
		newKey:    crypto.NewSessionKey,
	}
}

// Run listens on the configured address and serves until ctx is cancelled.
// A bind failure is returned as a *wire.BindError.
func (s *Service) Run(ctx context.Context) error {
	ln, err := wire.Listen(s.opts.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled. ln is closed on
// return.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("[KEY] session key service listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("[KEY] session key service stopped")
				return nil
			}
			return fmt.Errorf("keyservice: accept: %w", err)
		}
		s.handle(conn)
	}
}

// handle serves a single request. Every outcome other than issuance closes the
// connection without a response.
func (s *Service) handle(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	if err := conn.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout)); err != nil {
		slog.Warn("[KEY] set deadline", "remote", remote, "error", err)
		return
	}

	frame, err := wire.ReadFrame(conn)
	if err != nil {
		slog.Warn("[KEY] read request", "remote", remote, "error", err)
		return
	}

	plaintext, err := crypto.Open(s.serverKey, frame)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthentication) {
			s.metrics.DecryptFailure(metrics.SourceKeyService)
		}
		slog.Warn("[KEY] request rejected", "remote", remote, "error", err)
		return
	}

	pemBytes, ok := bytes.CutPrefix(plaintext, []byte(RequestTag))
	if !ok {
		slog.Warn("[KEY] request rejected: unknown tag", "remote", remote)
		return
	}
	pub, err := crypto.ParsePublicKeyPEM(pemBytes)
	if err != nil {
		slog.Warn("[KEY] request rejected", "remote", remote, "error", err)
		return
	}

	key, err := s.slot.Issue(s.newKey)
	if err != nil {
		if errors.Is(err, session.ErrActive) {
			slog.Warn("[KEY] session active, refusing new key", "remote", remote)
		} else {
			slog.Error("[KEY] issue session key", "remote", remote, "error", err)
		}
		return
	}

	wrapped, err := crypto.WrapKey(pub, key)
	if err != nil {
		slog.Error("[KEY] wrap session key", "remote", remote, "error", err)
		return
	}
	if _, err := conn.Write(wrapped); err != nil {
		slog.Warn("[KEY] write response", "remote", remote, "error", err)
		return
	}

	s.metrics.KeyIssued()
	slog.Info("[KEY] session key issued", "remote", remote)
}
