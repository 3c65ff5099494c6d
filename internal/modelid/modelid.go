// Package modelid derives content-addressed identifiers for trained NLU
// models and hashes bot definitions for change detection.
package modelid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/zulandar/roundhouse/internal/nlu"
)

// hashLen is the number of hex characters kept from each digest in a ModelID.
const hashLen = 16

// maxSeed bounds seeds derived from definition hashes.
const maxSeed = 10000

// ModelID identifies a trained model held by the remote service. Equal
// training inputs under equal engine specifications yield equal ids.
type ModelID struct {
	ContentHash       string
	SpecificationHash string
	Seed              int
	Language          string
}

// String renders the id as <contentHash>.<specificationHash>.<seed>.<language>.
func (m ModelID) String() string {
	return strings.Join([]string{m.ContentHash, m.SpecificationHash, strconv.Itoa(m.Seed), m.Language}, ".")
}

// IsZero reports whether m is the zero ModelID.
func (m ModelID) IsZero() bool {
	return m == ModelID{}
}

// Parse is the inverse of ModelID.String.
func Parse(s string) (ModelID, error) {
	parts := strings.SplitN(s, ".", 4)
	if len(parts) != 4 {
		return ModelID{}, fmt.Errorf("modelid: parse %q: expected 4 parts, got %d: %w", s, len(parts), nlu.ErrMalformedModelID)
	}
	for i, h := range parts[:2] {
		if !isHash(h) {
			return ModelID{}, fmt.Errorf("modelid: parse %q: part %d is not a %d-char hex hash: %w", s, i, hashLen, nlu.ErrMalformedModelID)
		}
	}
	seed, err := strconv.Atoi(parts[2])
	if err != nil || seed < 0 {
		return ModelID{}, fmt.Errorf("modelid: parse %q: invalid seed %q: %w", s, parts[2], nlu.ErrMalformedModelID)
	}
	if parts[3] == "" {
		return ModelID{}, fmt.Errorf("modelid: parse %q: empty language: %w", s, nlu.ErrMalformedModelID)
	}
	return ModelID{
		ContentHash:       parts[0],
		SpecificationHash: parts[1],
		Seed:              seed,
		Language:          parts[3],
	}, nil
}

// IsID reports whether s parses as a ModelID.
func IsID(s string) bool {
	_, err := Parse(s)
	return err == nil
}

func isHash(s string) bool {
	if len(s) != hashLen {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

// Compute derives the ModelID of a training input. It must agree with the
// remote service, which stays authoritative for submitted jobs.
func Compute(input nlu.TrainInput, specs nlu.Specifications) ModelID {
	content := struct {
		Intents  []nlu.Intent `json:"intents"`
		Entities []nlu.Entity `json:"entities"`
	}{canonicalIntents(input.Intents), canonicalEntities(input.Entities)}

	return ModelID{
		ContentHash:       shortHash(canonicalJSON(content)),
		SpecificationHash: shortHash(canonicalJSON(specs)),
		Seed:              input.Seed,
		Language:          input.Language,
	}
}

// DefinitionHash hashes a definition for change detection. It is a cache
// key only and never equals the content hash of a ModelID.
func DefinitionHash(def nlu.Definition) string {
	canon := struct {
		Language string       `json:"language"`
		Intents  []nlu.Intent `json:"intents"`
		Entities []nlu.Entity `json:"entities"`
	}{def.Language, canonicalIntents(def.Intents), canonicalEntities(def.Entities)}

	sum := sha256.Sum256(canonicalJSON(canon))
	return hex.EncodeToString(sum[:])
}

// SeedFromHash derives a training seed from a definition hash, so retraining
// the same definition is reproducible.
func SeedFromHash(h string) int {
	if len(h) < 8 {
		return 0
	}
	n, err := strconv.ParseUint(h[:8], 16, 32)
	if err != nil {
		return 0
	}
	return int(n % maxSeed)
}

// TrainInputFor builds the training payload for a definition hashed to h.
func TrainInputFor(def nlu.Definition, h string) nlu.TrainInput {
	return nlu.TrainInput{
		Language: def.Language,
		Intents:  canonicalIntents(def.Intents),
		Entities: canonicalEntities(def.Entities),
		Seed:     SeedFromHash(h),
	}
}

func shortHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:hashLen]
}
