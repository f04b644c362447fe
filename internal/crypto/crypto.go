// Package crypto implements the §4.7 wire envelope: a password-derived
// AEAD key, refreshed only when the peer's salt changes, wrapping every
// 180-byte wire.Frame in ciphertext plus an unencrypted salt and nonce.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ladcd/ladc/internal/errors"
)

const (
	// SaltLen is the KDF salt length written unencrypted on every frame.
	SaltLen = 16
	// KeyLen is the derived AEAD key length (chacha20poly1305.KeySize).
	KeyLen = chacha20poly1305.KeySize
)

// Argon2 parameters: one pass over 64 MiB of memory with 4 lanes. Key
// derivation runs once per salt change rather than once per frame.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// peerState is the cached (salt, key) pair kept per peer on both the
// send and receive paths (§4.7 "per peer, keep (salt, key)").
type peerState struct {
	salt [SaltLen]byte
	key  [KeyLen]byte
}

// Envelope seals and opens wire frames for every configured peer,
// sharing one pre-shared secret and an MRU cache of derived keys so a
// steady-state peer never re-runs the password KDF.
type Envelope struct {
	secret []byte
	cache  *lru.Cache[string, *peerState]
}

// New returns an Envelope. capacity bounds how many distinct peers'
// derived keys are cached at once; a peer dropped from the cache simply
// re-derives its key on the next frame.
func New(secret []byte, capacity int) (*Envelope, error) {
	if len(secret) == 0 {
		return nil, errors.Errorf(errors.KindConfig, "crypto: empty shared secret")
	}
	if capacity <= 0 {
		capacity = 64
	}
	cache, err := lru.New[string, *peerState](capacity)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating peer cache: %w", err)
	}
	return &Envelope{secret: append([]byte(nil), secret...), cache: cache}, nil
}

func deriveKey(secret []byte, salt [SaltLen]byte) [KeyLen]byte {
	derived := argon2.IDKey(secret, salt[:], argonTime, argonMemory, argonThreads, KeyLen)
	var key [KeyLen]byte
	copy(key[:], derived)
	return key
}

// Seal authenticated-encrypts a FrameSize-length plaintext for peerID,
// drawing a fresh salt (and re-deriving the key) only when none is
// cached yet, then always drawing a fresh nonce (§4.7 "Send path").
func (e *Envelope) Seal(peerID string, plaintext []byte) ([]byte, error) {
	state, ok := e.cache.Get(peerID)
	if !ok {
		var salt [SaltLen]byte
		if _, err := rand.Read(salt[:]); err != nil {
			return nil, fmt.Errorf("crypto: drawing salt: %w", err)
		}
		state = &peerState{salt: salt, key: deriveKey(e.secret, salt)}
		e.cache.Add(peerID, state)
	}

	aead, err := chacha20poly1305.New(state.key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: constructing AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: drawing nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(ciphertext)+SaltLen+len(nonce))
	out = append(out, ciphertext...)
	out = append(out, state.salt[:]...)
	out = append(out, nonce...)
	return out, nil
}

// Open authenticated-decrypts a frame from peerID (§4.7 "Receive path").
// The frame's salt is compared to the cached salt in constant time; a
// mismatch triggers a key re-derivation (the frame may be the first one
// received from this peer, or the peer may have rotated its salt). A MAC
// failure is returned as a KindAuth error — callers log and drop it
// without treating it as fatal.
func (e *Envelope) Open(peerID string, frame []byte) ([]byte, error) {
	nonceLen := chacha20poly1305.NonceSize
	if len(frame) < SaltLen+nonceLen+chacha20poly1305.Overhead {
		return nil, errors.AuthError("crypto: frame too short to contain salt, nonce and MAC")
	}

	nonceStart := len(frame) - nonceLen
	saltStart := nonceStart - SaltLen

	ciphertext := frame[:saltStart]
	var frameSalt [SaltLen]byte
	copy(frameSalt[:], frame[saltStart:nonceStart])
	nonce := frame[nonceStart:]

	state, ok := e.cache.Get(peerID)
	if !ok || subtle.ConstantTimeCompare(state.salt[:], frameSalt[:]) != 1 {
		state = &peerState{salt: frameSalt, key: deriveKey(e.secret, frameSalt)}
		e.cache.Add(peerID, state)
	}

	aead, err := chacha20poly1305.New(state.key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: constructing AEAD: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.AuthError("crypto: MAC verification failed for peer %s", peerID)
	}
	return plaintext, nil
}

// Forget drops a peer's cached key, forcing the next Seal/Open for it to
// re-derive from scratch (used when the shared secret is rotated).
func (e *Envelope) Forget(peerID string) {
	e.cache.Remove(peerID)
}
