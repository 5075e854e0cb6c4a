package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainFact    = "reckon/fact/v1"
	DomainAction  = "reckon/action/v1"
	DomainProgram = "reckon/program/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FactID computes the identity of a fact from its predicate and arguments.
// Confidence and source are metadata and do not affect identity, so
// re-asserting a fact updates it in place.
func FactID(predicate string, args Tuple) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"predicate": predicate,
		"args":      args,
	})
	if err != nil {
		return "", fmt.Errorf("FactID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainFact, canonical), nil
}

// MustFactID is like FactID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFactID(predicate string, args Tuple) string {
	id, err := FactID(predicate, args)
	if err != nil {
		panic(err)
	}
	return id
}

// ActionHash computes a stable digest of an action descriptor. Two
// descriptors with the same hash perform the same work.
func ActionHash(a Action) (string, error) {
	tree, err := a.canonicalTree()
	if err != nil {
		return "", fmt.Errorf("ActionHash: %w", err)
	}
	canonical, err := MarshalCanonical(tree)
	if err != nil {
		return "", fmt.Errorf("ActionHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainAction, canonical), nil
}

// ProgramHash digests compiled program text for logs and metrics labels.
func ProgramHash(text string) string {
	return hashWithDomain(DomainProgram, []byte(text))
}
