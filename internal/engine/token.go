package engine

import "github.com/google/uuid"

// TokenGenerator hands out firing tokens. A token identifies one fire
// decision and doubles as the action's idempotency key.
type TokenGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 firing tokens.
//
// UUIDv7 embeds a timestamp in the most significant bits, so tokens sort
// by creation time in listings.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
