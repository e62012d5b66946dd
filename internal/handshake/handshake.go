// Package handshake holds the pieces of the worker authentication protocol
// shared by parent and child: the secret key and the connect address format.
//
// Sequence:
//  1. The parent generates a Key and writes its KeyLength raw bytes to the
//     child's stdin.
//  2. The child connects to the address given as its first argument and sends
//     the key back as the first channel message.
//  3. The parent compares the message against the key in constant time.
package handshake

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// KeyLength is the size of the secret in bytes.
const KeyLength = 32

// ErrVerification is returned for any key mismatch. It carries no detail.
var ErrVerification = errors.New("handshake verification failed")

// Key is a per-process secret. It is verified once and then discarded.
type Key []byte

// GenerateKey returns KeyLength bytes from crypto/rand.
func GenerateKey() (Key, error) {
	k := make(Key, KeyLength)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return k, nil
}

// Verify compares presented against k in constant time.
func (k Key) Verify(presented []byte) error {
	if len(k) != KeyLength || len(presented) != KeyLength {
		return ErrVerification
	}
	if subtle.ConstantTimeCompare(k, presented) != 1 {
		return ErrVerification
	}
	return nil
}

// Fingerprint is a short BLAKE3 digest safe to log.
func (k Key) Fingerprint() string {
	sum := blake3.Sum256(k)
	return hex.EncodeToString(sum[:8])
}

// ReadKey reads exactly KeyLength bytes from r, accumulating partial reads.
func ReadKey(r io.Reader) (Key, error) {
	k := make(Key, KeyLength)
	n, err := io.ReadFull(r, k)
	if err != nil {
		return nil, fmt.Errorf("could not read key from parent (got %d of %d bytes): %w", n, KeyLength, err)
	}
	return k, nil
}

// FormatAddress renders a listener address as "network://address".
func FormatAddress(network, address string) string {
	return network + "://" + address
}

// ParseAddress splits "unix:///path/to.sock" or "tcp://host:port".
func ParseAddress(s string) (network, address string, err error) {
	network, address, ok := strings.Cut(strings.TrimSpace(s), "://")
	if !ok || address == "" {
		return "", "", fmt.Errorf("invalid connect address %q (want network://address)", s)
	}
	switch network {
	case "unix", "tcp", "tcp4", "tcp6":
		return network, address, nil
	default:
		return "", "", fmt.Errorf("unsupported network %q in connect address %q", network, s)
	}
}
