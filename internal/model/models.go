package model

import (
	"errors"
	"time"
)

// ErrNotFound is returned by durable-store lookups when no record exists.
// It is defined here so in-memory test doubles and the real repositories
// agree on the sentinel.
var ErrNotFound = errors.New("record not found")

// -------------------- IDENTITY --------------------

// IdentityRecord anchors one phone number to one stable identity. The raw
// number is stored encrypted only; the hash is the lookup key everywhere.
type IdentityRecord struct {
	IdentityBucket int       `json:"identity_bucket" db:"identity_bucket"`
	IdentityHash   string    `json:"identity_hash" db:"identity_hash"`
	PhoneEncrypted []byte    `json:"-" db:"phone_encrypted"`
	PhoneKeyID     string    `json:"-" db:"phone_key_id"`
	VideoCount     int       `json:"video_count" db:"video_count"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// -------------------- VERIFICATION --------------------

// VerificationRecord tracks whether an identity has ever proven phone
// ownership. is_verified is monotonic: it never transitions back to false.
type VerificationRecord struct {
	IdentityHash string     `json:"identity_hash" db:"identity_hash"`
	IsVerified   bool       `json:"is_verified" db:"is_verified"`
	VerifiedAt   *time.Time `json:"verified_at" db:"verified_at"`
	Method       string     `json:"method" db:"method"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// -------------------- ONE-TIME CODE --------------------

// OneTimeCode is one issued code. History is preserved; at most one record
// per identity is live (unused and unexpired) at any instant, enforced by
// issuance logic rather than schema.
type OneTimeCode struct {
	IdentityHash string     `json:"identity_hash" db:"identity_hash"`
	CodeID       string     `json:"code_id" db:"code_id"` // UUID
	CodeHash     string     `json:"-" db:"code_hash"`
	CodeSalt     string     `json:"-" db:"code_salt"`
	HashVersion  string     `json:"hash_version" db:"hash_version"`
	ExpiresAt    time.Time  `json:"expires_at" db:"expires_at"`
	AttemptCount int        `json:"attempt_count" db:"attempt_count"`
	IsUsed       bool       `json:"is_used" db:"is_used"`
	UsedAt       *time.Time `json:"used_at" db:"used_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// Live reports whether the code can still be verified at the given instant.
func (c *OneTimeCode) Live(now time.Time) bool {
	return !c.IsUsed && now.Before(c.ExpiresAt)
}

// -------------------- VIDEO JOB --------------------

// Job statuses. The gate never writes these; the pipeline owns all
// transitions. Which ones count as pending is configuration.
const (
	JobStatusQueued            = "queued"
	JobStatusPhotoProcessing   = "photo_processing"
	JobStatusPhotoDone         = "photo_done"
	JobStatusLipsyncProcessing = "lipsync_processing"
	JobStatusLipsyncDone       = "lipsync_done"
	JobStatusStitching         = "stitching"
	JobStatusUploaded          = "uploaded"
	JobStatusDelivered         = "delivered"
	JobStatusFailed            = "failed"
)

// VideoJob is the unit of work admitted through the gate. The gate reads
// status only to classify it as pending or terminal.
type VideoJob struct {
	IdentityHash string    `json:"identity_hash" db:"identity_hash"`
	JobID        string    `json:"job_id" db:"job_id"` // UUID
	Status       string    `json:"status" db:"status"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
