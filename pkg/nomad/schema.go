package nomad

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// taggedRecord is the persisted envelope. The tag names the generation of
// its content; only V1 exists today.
type taggedRecord struct {
	V1 *Record `json:"V1,omitempty"`
}

type untaggedV0 struct {
	Version *uint32 `json:"version"`
	Payload *string `json:"payload"`
}

func encodeRecord(r Record) ([]byte, error) {
	b, err := json.Marshal(taggedRecord{V1: &r})
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return b, nil
}

// decodeGeneration tries the tagged current generation first and falls
// back to the untagged legacy shape.
func decodeGeneration(raw []byte) (generation, error) {
	var tagged taggedRecord
	if err := json.Unmarshal(raw, &tagged); err == nil && tagged.V1 != nil {
		return *tagged.V1, nil
	}

	var legacy untaggedV0
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&legacy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrCorrupt)
	}
	if legacy.Version == nil {
		return nil, fmt.Errorf("%w: no known generation", ErrCorrupt)
	}
	return RecordV0{Version: *legacy.Version, Payload: legacy.Payload}, nil
}

// decodeRecord returns the current shape of raw and whether it had to be
// migrated from an older generation.
func decodeRecord(raw []byte, now uint64) (Record, bool, error) {
	g, err := decodeGeneration(raw)
	if err != nil {
		return Record{}, false, err
	}
	_, current := g.(Record)
	return g.upgrade(now), !current, nil
}

// Decode parses a stored value without touching it. Legacy values are
// upgraded in memory with now as every timestamp.
func Decode(raw []byte, now time.Time) (rec Record, migrated bool, err error) {
	return decodeRecord(raw, millis(now))
}
