// Package crypto provides the gateway's cryptographic envelope: AES-GCM sealing
// with a 12-byte random nonce prefix for BLE characteristics and TCP frames, and
// RSA key wrapping for one-shot session-key delivery.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
)

// NonceSize is the length of the random nonce prefixed to every sealed payload.
const NonceSize = 12

// SessionKeySize is the length of a freshly issued session key.
const SessionKeySize = 16

// ErrAuthentication is returned by Open when a payload fails AEAD verification
// or is too short to contain a nonce and tag. Callers reject the input.
var ErrAuthentication = errors.New("crypto: authentication failed")

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new GCM: %w", err)
	}
	return aead, nil
}

// Seal encrypts plaintext with AES-GCM under key (16, 24 or 32 bytes) and
// returns nonce || ciphertext || tag. No associated data is used.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("crypto: random nonce: %w", err)
	}
	return aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open splits the first NonceSize bytes of framed as the nonce and decrypts the
// remainder. Any tag mismatch or malformed length yields an error wrapping
// ErrAuthentication.
func Open(key, framed []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(framed) < NonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: payload too short (%d bytes)", ErrAuthentication, len(framed))
	}

	plaintext, err := aead.Open(nil, framed[:NonceSize], framed[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// NewSessionKey returns SessionKeySize random bytes.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("crypto: random session key: %w", err)
	}
	return key, nil
}

// ParsePublicKeyPEM decodes an RSA public key from a PEM block of type
// "PUBLIC KEY" (PKIX) or "RSA PUBLIC KEY" (PKCS#1).
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("crypto: no PEM block found")
	}

	switch block.Type {
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("crypto: parse PKCS#1 public key: %w", err)
		}
		return pub, nil
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("crypto: parse PKIX public key: %w", err)
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("crypto: public key is %T, not RSA", key)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("crypto: unsupported PEM block type %q", block.Type)
	}
}

// WrapKey encrypts raw with RSA PKCS#1 v1.5 so only the holder of the matching
// private key can recover it.
func WrapKey(pub *rsa.PublicKey, raw []byte) ([]byte, error) {
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: wrap key: %w", err)
	}
	return ct, nil
}

// UnwrapKey reverses WrapKey. It is the user side of the session-key exchange.
func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	raw, err := rsa.DecryptPKCS1v15(rand.Reader, priv, wrapped)
	if err != nil {
		return nil, fmt.Errorf("crypto: unwrap key: %w", err)
	}
	return raw, nil
}

// MarshalPublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" PEM block.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
