// Package token encodes session access keys into opaque bearer tokens.
//
// A token carries exactly one tagged access key: either a login-session
// key or a user-session key. The plaintext is "Login <key>" or
// "User <key>"; the marker tells the decoder which table the key belongs
// to. Each encryption uses a fresh random salt, and the encryption key is
// derived from that salt plus a server-side pepper, so tokens are only
// valid across instances that share the pepper.
//
// Decode is the single trust boundary for client-supplied tokens. Every
// failure (bad encoding, truncated input, AEAD rejection, unknown
// marker) collapses into ErrInvalidToken so the error shape cannot be
// used as a decryption oracle.
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Kind discriminates the two access-key variants.
type Kind int

const (
	// KindLogin keys resolve against the login-session table.
	KindLogin Kind = iota
	// KindUser keys resolve against the user-session table.
	KindUser
)

const (
	loginMarker = "Login "
	userMarker  = "User "

	saltLen       = 16
	derivedKeyLen = 32
)

var keyInfo = []byte("handoffd:access-token:v1")

// ErrInvalidToken is the only error Decode returns for malformed or
// tampered input. No detail about which layer failed is ever exposed.
var ErrInvalidToken = errors.New("invalid token")

// AccessKey is a tagged store key: the Kind selects the session table and
// Key is the raw hex identifier within it.
type AccessKey struct {
	Kind Kind
	Key  string
}

// NewLoginKey tags a login-session store key.
func NewLoginKey(key string) AccessKey {
	return AccessKey{Kind: KindLogin, Key: key}
}

// NewUserKey tags a user-session store key.
func NewUserKey(key string) AccessKey {
	return AccessKey{Kind: KindUser, Key: key}
}

func (k AccessKey) tagged() (string, error) {
	switch k.Kind {
	case KindLogin:
		return loginMarker + k.Key, nil
	case KindUser:
		return userMarker + k.Key, nil
	default:
		return "", fmt.Errorf("unknown access key kind %d", k.Kind)
	}
}

// Codec turns access keys into opaque bearer strings and back. The pepper
// is the server-side secret; two codecs agree on tokens exactly when they
// share it.
type Codec struct {
	pepper []byte
}

// NewCodec builds a codec around the given pepper. An empty pepper is
// refused: it would make every token decryptable from the salt alone.
func NewCodec(pepper string) (*Codec, error) {
	if pepper == "" {
		return nil, errors.New("token codec requires a non-empty pepper")
	}
	return &Codec{pepper: []byte(pepper)}, nil
}

// Encode encrypts the tagged key under a fresh salt and returns the
// client-visible token string.
func (c *Codec) Encode(key AccessKey) (string, error) {
	plaintext, err := key.tagged()
	if err != nil {
		return "", err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating token salt: %w", err)
	}

	aead, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating token nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)

	out := make([]byte, 0, saltLen+len(sealed))
	out = append(out, salt...)
	out = append(out, sealed...)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decode reverses Encode. A token that decodes successfully carries
// exactly one key of exactly one known variant; nothing beyond that is
// assumed valid until the corresponding store lookup succeeds.
func (c *Codec) Decode(tok string) (AccessKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return AccessKey{}, ErrInvalidToken
	}
	if len(raw) <= saltLen {
		return AccessKey{}, ErrInvalidToken
	}

	salt, sealed := raw[:saltLen], raw[saltLen:]

	aead, err := c.aead(salt)
	if err != nil {
		return AccessKey{}, ErrInvalidToken
	}
	if len(sealed) <= aead.NonceSize() {
		return AccessKey{}, ErrInvalidToken
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return AccessKey{}, ErrInvalidToken
	}

	tagged := string(plaintext)
	switch {
	case strings.HasPrefix(tagged, loginMarker):
		return NewLoginKey(strings.TrimPrefix(tagged, loginMarker)), nil
	case strings.HasPrefix(tagged, userMarker):
		return NewUserKey(strings.TrimPrefix(tagged, userMarker)), nil
	default:
		return AccessKey{}, ErrInvalidToken
	}
}

func (c *Codec) aead(salt []byte) (cipher.AEAD, error) {
	h := hkdf.New(sha256.New, c.pepper, salt, keyInfo)
	derived := make([]byte, derivedKeyLen)
	if _, err := io.ReadFull(h, derived); err != nil {
		return nil, fmt.Errorf("deriving token key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("creating token cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
