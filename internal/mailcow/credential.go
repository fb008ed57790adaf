package mailcow

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// CredentialLength is the length of generated mailbox passwords.
const CredentialLength = 32

const credentialAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateCredential returns a uniformly random alphanumeric string.
func GenerateCredential(n int) (string, error) {
	max := big.NewInt(int64(len(credentialAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate credential: %w", err)
		}
		out[i] = credentialAlphabet[idx.Int64()]
	}
	return string(out), nil
}
