package syncer

import "github.com/jp2507-max/canabro-sync/localstore"

// WireRecord is the JSON shape of one record on the sync protocol. Deletions
// travel as tombstones: DeletedAt set, fields omitted.
type WireRecord struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields,omitempty"`
	UpdatedAt int64          `json:"updated_at_ms"`
	DeletedAt *int64         `json:"deleted_at_ms,omitempty"`
}

// Push statuses returned by the remote authority per record.
const (
	StatusApplied  = "applied"
	StatusConflict = "conflict"
)

// PushStatus reports the outcome of pushing one record.
type PushStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	// Message carries the remote's explanation for non-applied statuses.
	Message string `json:"message,omitempty"`
	// Remote is the winning authoritative record on a conflict, so the
	// pusher can inspect what beat its version without a follow-up pull.
	Remote *WireRecord `json:"remote,omitempty"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Table   string       `json:"table"`
	Records []WireRecord `json:"records"`
}

// PushResponse is the remote's answer to a push; Statuses is parallel to the
// request's Records.
type PushResponse struct {
	Statuses []PushStatus `json:"statuses"`
}

// PullPage is one page of GET /sync/pull. Records are ordered by ascending
// UpdatedAt so the caller's cursor can advance to the page maximum. A page
// always carries every record sharing its final timestamp; the remote never
// splits a group of equal timestamps across pages, because a caller resuming
// strictly after the page maximum would otherwise skip the rest of the group.
type PullPage struct {
	Records []WireRecord `json:"records"`
	HasMore bool         `json:"has_more"`
}

func toWire(rec localstore.Record) WireRecord {
	w := WireRecord{
		ID:        rec.ID,
		UpdatedAt: rec.UpdatedAt,
		DeletedAt: rec.DeletedAt,
	}
	if !rec.Deleted() {
		w.Fields = rec.Fields
	}
	return w
}

func fromWire(table string, w WireRecord) localstore.Record {
	fields := w.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return localstore.Record{
		Table:     table,
		ID:        w.ID,
		Fields:    fields,
		UpdatedAt: w.UpdatedAt,
		DeletedAt: w.DeletedAt,
	}
}
