package nomad

import "time"

func millis(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}

// touchRead marks r as read at now.
func touchRead(r Record, now uint64) Record {
	r.ReadAt = now
	return r
}

// touchWrite stamps an accepted write. History comes from existing when
// there is one; a brand-new record gets server time for every stamp and
// whatever the writer claimed is dropped.
func touchWrite(existing *Record, incoming Record, now uint64) Record {
	incoming.UpdatedAt = now
	if existing != nil {
		incoming.CreatedAt = existing.CreatedAt
		incoming.ReadAt = existing.ReadAt
	} else {
		incoming.CreatedAt = now
		incoming.ReadAt = now
	}
	return incoming
}
