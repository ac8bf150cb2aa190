package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Identity is the opaque, stable handle for a phone number. It is the only
// form in which a caller's number appears in cache keys, durable rows, and
// logs.
type Identity string

func (id Identity) String() string {
	return string(id)
}

// Deriver turns raw phone numbers into identities via a salted one-way hash.
// The same number always yields the same identity, so lookups stay
// collision-free across workers as long as they share the salt.
type Deriver struct {
	salt string
}

func NewDeriver(salt string) *Deriver {
	return &Deriver{salt: salt}
}

// FromPhone derives the identity for a phone number. The number is normalized
// first so formatting variants of the same number map to one identity.
func (d *Deriver) FromPhone(phone string) (Identity, error) {
	normalized := NormalizePhone(phone)
	if len(normalized) < 10 {
		return "", fmt.Errorf("invalid phone number: too short after normalization")
	}
	sum := sha256.Sum256([]byte(normalized + d.salt))
	return Identity(hex.EncodeToString(sum[:])), nil
}

// NormalizePhone strips formatting characters from a phone number.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(phone) {
		switch r {
		case ' ', '-', '(', ')':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
