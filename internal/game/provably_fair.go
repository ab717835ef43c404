package game

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// GenerateSeed creates a cryptographically secure random seed.
func GenerateSeed() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// HashCommitment is the SHA256 commitment published while the server seed
// is still hidden.
func HashCommitment(seed string) string {
	h := sha256.New()
	h.Write([]byte(seed))
	return hex.EncodeToString(h.Sum(nil))
}

// deriveDigest binds the seed triple with HMAC-SHA256. The server seed is
// the key; the message is "<clientSeed>:<nonce>".
func deriveDigest(serverSeed, clientSeed string, nonce int64) []byte {
	h := hmac.New(sha256.New, []byte(serverSeed))
	fmt.Fprintf(h, "%s:%d", clientSeed, nonce)
	return h.Sum(nil)
}

// DeriveUint64 maps the first 64 digest bits to an unsigned integer.
func DeriveUint64(serverSeed, clientSeed string, nonce int64) uint64 {
	return binary.BigEndian.Uint64(deriveDigest(serverSeed, clientSeed, nonce)[:8])
}

// DeriveFloat maps the digest to a uniform float in [0, 1).
func DeriveFloat(serverSeed, clientSeed string, nonce int64) float64 {
	const maxUint64F = 18446744073709551616.0 // 2^64
	return float64(DeriveUint64(serverSeed, clientSeed, nonce)) / maxUint64F
}
