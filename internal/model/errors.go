package model

import "errors"

// User-caused failures. Surfaced to the caller, never retried.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrRoundMismatch       = errors.New("round mismatch")
	ErrInvalidPrincipal    = errors.New("invalid principal")
	ErrInvalidToken        = errors.New("token does not belong to game")
	ErrAlreadyVoted        = errors.New("already voted on post")
	ErrNotFound            = errors.New("not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAlreadyReferred     = errors.New("referral already exists")
)

// ErrDailyLimitReached is returned when the treasury cap for the current
// day would be exceeded. Retry after the daily reset.
var ErrDailyLimitReached = errors.New("daily limit reached")

// ErrAirdropNotReady is returned when an airdrop is claimed again before
// its cooldown has passed.
var ErrAirdropNotReady = errors.New("airdrop already claimed")

// Infrastructure failures. Local state is rolled back before these surface.
var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrInternal           = errors.New("internal error")
)
