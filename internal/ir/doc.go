// Package ir provides the shared record types for reckon.
//
// This package contains type definitions, their validation, and the
// canonical serialization used for content-addressed identity. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Values are a closed set: string, int, float, bool, symbol
//   - Actions are a closed tagged variant with a stable JSON encoding
//   - All JSON tags use snake_case
//   - Revision fields are store metadata and never serialized
package ir
