package service

import (
	"errors"
	"fmt"
)

// Error taxonomy of the gate boundary. Handlers map these onto HTTP statuses;
// everything else surfaces as an internal error.
var (
	ErrInvalidPhone     = errors.New("invalid phone number")
	ErrRateLimited      = errors.New("rate limited")
	ErrNoLiveCode       = errors.New("no live code to verify")
	ErrCodeExpired      = errors.New("code expired")
	ErrInvalidCode      = errors.New("invalid code")
	ErrAttemptsExceeded = errors.New("verification attempts exceeded")
	ErrAlreadyVerified  = errors.New("identity already verified")
	ErrVideoLimit       = errors.New("video limit reached")
	ErrCodeStillLive    = errors.New("a live code already exists")
)

// CodeStillLiveError carries how long the caller must wait before a new code
// can be issued. errors.Is(err, ErrCodeStillLive) matches it.
type CodeStillLiveError struct {
	RemainingSeconds int
}

func (e *CodeStillLiveError) Error() string {
	return fmt.Sprintf("a live code already exists, retry in %ds", e.RemainingSeconds)
}

func (e *CodeStillLiveError) Unwrap() error {
	return ErrCodeStillLive
}

// WrongCodeError carries how many verification attempts remain on the live
// code. errors.Is(err, ErrInvalidCode) matches it.
type WrongCodeError struct {
	AttemptsLeft int
}

func (e *WrongCodeError) Error() string {
	return fmt.Sprintf("invalid code, %d attempts left", e.AttemptsLeft)
}

func (e *WrongCodeError) Unwrap() error {
	return ErrInvalidCode
}

// RateLimitedError carries how long until the spent window resets.
// errors.Is(err, ErrRateLimited) matches it.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %ds", e.RetryAfterSeconds)
}

func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}
