package util

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewShortID returns an 8 character base-36 identifier used for columns,
// cards, slices and partial maps.
func NewShortID() string {
	out := make([]byte, 8)
	max := big.NewInt(int64(len(base36)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			out[i] = base36[0]
			continue
		}
		out[i] = base36[n.Int64()]
	}
	return string(out)
}
