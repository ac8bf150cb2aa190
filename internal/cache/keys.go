package cache

import (
	"fmt"

	"gate-service/internal/identity"
)

// Purpose names what a cache entry holds. Keys are always built through Key
// or RateKey so two purposes can never collide on the same string.
type Purpose int

const (
	PurposeCode Purpose = iota
	PurposeAttempts
	PurposeVerification
	PurposePendingJob
)

func (p Purpose) prefix() string {
	switch p {
	case PurposeCode:
		return "otp:code:"
	case PurposeAttempts:
		return "otp:attempts:"
	case PurposeVerification:
		return "verification:"
	case PurposePendingJob:
		return "job:pending:"
	default:
		return "unknown:"
	}
}

// Key builds the cache key for a (purpose, identity) pair.
func Key(p Purpose, id identity.Identity) string {
	return p.prefix() + id.String()
}

// RateKey builds the fixed-window counter key for a (identity, action) pair.
// The action sits between prefix and identity so distinct actions never share
// a window.
func RateKey(id identity.Identity, action string) string {
	return fmt.Sprintf("rate:%s:%s", action, id)
}
