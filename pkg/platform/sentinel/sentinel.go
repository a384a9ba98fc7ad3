package sentinel

import "errors"

// Sentinel errors for infrastructure and concurrency facts. Stores and the
// state manager return these (optionally wrapped) so transport layers can
// translate them into typed rejection responses.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in the state store
// - ErrStaleVersion: base version behind the authoritative version under a
//   reject-oriented strategy
// - ErrInvalidBaseVersion: client claims a version ahead of the authority
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrUnavailable: sink or resource temporarily unavailable
// - ErrHistoryTruncated: replay requested from before the retained history
var (
	ErrNotFound           = errors.New("not found")
	ErrStaleVersion       = errors.New("stale version")
	ErrInvalidBaseVersion = errors.New("invalid base version")
	ErrInvalidState       = errors.New("invalid state")
	ErrUnavailable        = errors.New("unavailable")
	ErrHistoryTruncated   = errors.New("history truncated")
)
