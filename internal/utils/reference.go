package utils

import (
	"crypto/rand"
	"math/big"
	"time"
)

const referenceAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateReference returns a transaction reference such as ESC-20260101-7K3QX9PA.
func GenerateReference(prefix string, now time.Time) string {
	b := make([]byte, 8)
	max := big.NewInt(int64(len(referenceAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms
			panic(err)
		}
		b[i] = referenceAlphabet[n.Int64()]
	}
	return prefix + "-" + now.UTC().Format("20060102") + "-" + string(b)
}
