// Package ophash derives stable step identities. Two invocations of the same
// function code path must produce the same hash for the same step, across
// processes and releases, so memoized outcomes can be matched on replay.
package ophash

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"

	errors "github.com/goliatone/go-errors"
)

// Input is everything that participates in a step's identity. Pos
// disambiguates repeated ids within one run and is folded in only when
// positive, so the first occurrence keeps a position-independent hash.
type Input struct {
	Parent string         `json:"parent,omitempty"`
	Op     string         `json:"op"`
	Name   string         `json:"name,omitempty"`
	Opts   map[string]any `json:"opts,omitempty"`
	Pos    int            `json:"pos,omitempty"`
}

// Hash returns the hex-encoded SHA-1 of the canonical JSON encoding of in.
// encoding/json writes struct fields in declaration order and sorts map
// keys, which keeps the encoding deterministic.
func Hash(in Input) (string, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryOperation, "cannot canonicalize op for hashing").
			WithTextCode("OPHASH_ENCODE_FAILED")
	}
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:]), nil
}
