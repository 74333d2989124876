package nomad

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/nomad-sync/pkg/ids"
)

func strptr(s string) *string { return &s }

func TestEncodeIsTaggedCurrentGeneration(t *testing.T) {
	owner := ids.FromString("alice")
	raw, err := encodeRecord(Record{Owner: &owner, Version: 3, Payload: strptr("p"), CreatedAt: 1, UpdatedAt: 2, ReadAt: 3})
	require.NoError(t, err)

	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Len(t, envelope, 1)
	assert.Contains(t, envelope, "V1")
	assert.JSONEq(t,
		`{"owner":"`+owner.String()+`","version":3,"payload":"p","createdAt":1,"updatedAt":2,"readAt":3}`,
		string(envelope["V1"]))
}

func TestDecodeCurrentGeneration(t *testing.T) {
	in := Record{Version: 7, Payload: strptr("doc"), CreatedAt: 10, UpdatedAt: 20, ReadAt: 30}
	raw, err := encodeRecord(in)
	require.NoError(t, err)

	out, migrated, err := decodeRecord(raw, 999)
	require.NoError(t, err)
	assert.False(t, migrated)
	assert.Equal(t, in, out)
}

func TestDecodeLegacyGeneration(t *testing.T) {
	out, migrated, err := decodeRecord([]byte(`{"version":2,"payload":"x"}`), 555)
	require.NoError(t, err)
	assert.True(t, migrated)
	assert.Equal(t, Record{Version: 2, Payload: strptr("x"), CreatedAt: 555, UpdatedAt: 555, ReadAt: 555}, out)
}

func TestDecodeLegacyWithoutPayload(t *testing.T) {
	out, migrated, err := decodeRecord([]byte(`{"version":4}`), 1)
	require.NoError(t, err)
	assert.True(t, migrated)
	assert.Nil(t, out.Payload)
	assert.Nil(t, out.Owner)
	assert.Equal(t, uint32(4), out.Version)
}

func TestDecodeCorrupt(t *testing.T) {
	for name, raw := range map[string]string{
		"garbage":        `not json`,
		"empty object":   `{}`,
		"null tag":       `{"V1":null}`,
		"unknown tag":    `{"V2":{"version":1}}`,
		"bad version":    `{"version":"one"}`,
		"extra field":    `{"version":1,"payload":"x","owner":"abc"}`,
		"broken current": `{"V1":{"version":"x"}}`,
		"trailing data":  `{"version":1} {"version":2}`,
		"empty":          ``,
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := decodeRecord([]byte(raw), 1)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestDecodeDoesNotTouchCurrentGeneration(t *testing.T) {
	in := Record{Version: 1, Payload: strptr("a"), CreatedAt: 1, UpdatedAt: 2, ReadAt: 3}
	raw, err := encodeRecord(in)
	require.NoError(t, err)
	out, migrated, err := Decode(raw, time.UnixMilli(1000))
	require.NoError(t, err)
	assert.False(t, migrated)
	assert.Equal(t, uint64(3), out.ReadAt)
}
