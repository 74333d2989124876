// Package nomad reconciles client-held document versions ("nomads")
// against the server copy and persists the winner.
//
// A nomad is an opaque payload under a 256-bit identifier. Clients pick
// and bump versions; the server only compares them. An optional owner pins
// a nomad to one identity: once set, only that identity may change it.
package nomad

import (
	"github.com/astromechza/nomad-sync/pkg/ids"
)

// Record is the current-generation shape of a stored nomad. Timestamps are
// milliseconds since the unix epoch and are maintained by the server.
type Record struct {
	Owner     *ids.ID `json:"owner"`
	Version   uint32  `json:"version"`
	Payload   *string `json:"payload"`
	CreatedAt uint64  `json:"createdAt"`
	UpdatedAt uint64  `json:"updatedAt"`
	ReadAt    uint64  `json:"readAt"`
}

// OwnedBy reports whether r may be changed by caller: unowned records
// accept anyone.
func (r Record) OwnedBy(caller ids.ID) bool {
	return r.Owner == nil || *r.Owner == caller
}

func (r Record) upgrade(now uint64) Record {
	return r
}

// RecordV0 is the legacy generation written before records carried an
// owner or timestamps. It is only ever parsed, never written.
type RecordV0 struct {
	Version uint32
	Payload *string
}

// upgrade produces the current generation. The legacy shape has no
// history, so every timestamp becomes now.
func (r RecordV0) upgrade(now uint64) Record {
	return Record{
		Version:   r.Version,
		Payload:   r.Payload,
		CreatedAt: now,
		UpdatedAt: now,
		ReadAt:    now,
	}
}

// generation is the closed set of on-disk shapes.
type generation interface {
	upgrade(now uint64) Record
}

var (
	_ generation = Record{}
	_ generation = RecordV0{}
)
