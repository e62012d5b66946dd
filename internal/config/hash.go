package config

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// ComputeBlake3Hash returns the hex BLAKE3 digest of data.
func ComputeBlake3Hash(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}
