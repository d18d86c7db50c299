// Package userclient is the user side of the gateway protocols: it requests a
// session key from the key service and talks to the relay service with it.
package userclient

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/chaz8081/gatewaynode/internal/crypto"
	"github.com/chaz8081/gatewaynode/internal/wire"
)

// ErrRefused is returned when the gateway closes the connection without a
// response: the request was rejected or another session is active.
var ErrRefused = errors.New("userclient: refused by gateway")

// maxKeyResponse bounds the wrapped-key response (one RSA block).
const maxKeyResponse = 1024

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("userclient: dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

// RequestSessionKey performs the session-key exchange against the key service
// at addr and returns the unwrapped 16-byte session key.
func RequestSessionKey(ctx context.Context, addr string, serverKey []byte, priv *rsa.PrivateKey) ([]byte, error) {
	pemBytes, err := crypto.MarshalPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.Seal(serverKey, append([]byte("KEY"), pemBytes...))
	if err != nil {
		return nil, err
	}

	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, sealed); err != nil {
		return nil, err
	}

	resp, err := io.ReadAll(io.LimitReader(conn, maxKeyResponse))
	if err != nil && len(resp) == 0 {
		// A reset after a refusal surfaces as a read error.
		return nil, fmt.Errorf("%w: %v", ErrRefused, err)
	}
	if len(resp) == 0 {
		return nil, ErrRefused
	}
	return crypto.UnwrapKey(priv, resp)
}

// Conn is an open relay session.
type Conn struct {
	conn     net.Conn
	key      []byte
	snapshot []byte
}

// Dial connects to the relay service and reads the initial state snapshot.
func Dial(ctx context.Context, addr string, key []byte) (*Conn, error) {
	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	c := &Conn{conn: conn, key: key}
	snapshot, err := c.Recv()
	if err != nil {
		conn.Close()
		if errors.Is(err, io.EOF) {
			return nil, ErrRefused
		}
		return nil, fmt.Errorf("userclient: read snapshot: %w", err)
	}
	c.snapshot = snapshot
	return c, nil
}

// Snapshot returns the GatewayState JSON sent when the session opened.
func (c *Conn) Snapshot() []byte {
	return c.snapshot
}

// Recv returns the next decrypted message. It returns io.EOF once the gateway
// closes the session.
func (c *Conn) Recv() ([]byte, error) {
	frame, err := wire.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	return crypto.Open(c.key, frame)
}

// SetValue asks the gateway to write value to input index of node nodeID.
func (c *Conn) SetValue(nodeID string, index int, value string) error {
	msg, err := wire.EncodeSetValue(nodeID, index, value)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// SetOption changes a gateway option.
func (c *Conn) SetOption(name string, value bool) error {
	msg, err := wire.EncodeSetOption(name, value)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// SetDeadline sets the read and write deadline of the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) send(plaintext []byte) error {
	sealed, err := crypto.Seal(c.key, plaintext)
	if err != nil {
		return err
	}
	return wire.WriteFrame(c.conn, sealed)
}
