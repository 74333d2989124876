package nomad

import (
	"fmt"
	"strings"

	"github.com/astromechza/nomad-sync/pkg/ids"
)

// WireRecord is a batch entry as clients send it. Only the version is
// mandatory; older clients omit everything else when they have nothing
// to write.
type WireRecord struct {
	Owner     *string `json:"owner,omitempty"`
	Version   uint32  `json:"version"`
	Payload   *string `json:"payload,omitempty"`
	CreatedAt *uint64 `json:"createdAt,omitempty"`
	UpdatedAt *uint64 `json:"updatedAt,omitempty"`
	ReadAt    *uint64 `json:"readAt,omitempty"`
}

// Request asks the server to reconcile the listed nomads. Keys are hex
// identifiers.
type Request struct {
	NomadVersions map[string]WireRecord `json:"nomadVersions"`
}

// Reply lists the nomads the caller has to pull, plus failures per key.
// A key in neither map was accepted or already up to date.
type Reply struct {
	NomadData map[string]WireRecord `json:"nomadData"`
	Errors    map[string]KeyError   `json:"errors,omitempty"`
}

func NewReply() Reply {
	return Reply{NomadData: map[string]WireRecord{}}
}

func (r *Reply) fail(key string, err error) {
	if r.Errors == nil {
		r.Errors = map[string]KeyError{}
	}
	r.Errors[key] = keyError(err)
}

// writable reports whether w carries everything a write needs.
func (w WireRecord) writable() bool {
	return w.Payload != nil && w.CreatedAt != nil && w.UpdatedAt != nil && w.ReadAt != nil
}

// Record converts w into the strict internal shape. It fails when w cannot
// be stored: missing payload or timestamps, or an owner that is not a
// valid identifier.
func (w WireRecord) Record() (Record, error) {
	var missing []string
	if w.Payload == nil {
		missing = append(missing, "payload")
	}
	if w.CreatedAt == nil {
		missing = append(missing, "createdAt")
	}
	if w.UpdatedAt == nil {
		missing = append(missing, "updatedAt")
	}
	if w.ReadAt == nil {
		missing = append(missing, "readAt")
	}
	if len(missing) > 0 {
		return Record{}, fmt.Errorf("%w: missing %s", ErrIncomplete, strings.Join(missing, ", "))
	}

	r := Record{
		Version:   w.Version,
		Payload:   w.Payload,
		CreatedAt: *w.CreatedAt,
		UpdatedAt: *w.UpdatedAt,
		ReadAt:    *w.ReadAt,
	}
	if w.Owner != nil {
		owner, err := ids.Parse(*w.Owner)
		if err != nil {
			return Record{}, fmt.Errorf("owner: %w", err)
		}
		r.Owner = &owner
	}
	return r, nil
}

// FromRecord builds the reply entry for a stored record.
func FromRecord(r Record) WireRecord {
	w := WireRecord{
		Version:   r.Version,
		Payload:   r.Payload,
		CreatedAt: &r.CreatedAt,
		UpdatedAt: &r.UpdatedAt,
		ReadAt:    &r.ReadAt,
	}
	if r.Owner != nil {
		owner := r.Owner.String()
		w.Owner = &owner
	}
	return w
}
