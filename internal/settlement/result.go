package settlement

import "github.com/bwmarrin/snowflake"

type Status string

const (
	StatusSuccessful Status = "successful"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// Detail is the per-entity outcome of one batch iteration. It is ephemeral:
// "skipped (already at target)" and "successful" are indistinguishable in
// persisted state, only here.
type Detail struct {
	OrgID  snowflake.ID
	UserID snowflake.ID
	Status Status
	Reason string
	Amount int64
}

// BatchResult accumulates one settlement run over many entities. A failure on
// one entity never aborts the rest of the batch.
type BatchResult struct {
	Processed  int
	Successful int
	Skipped    int
	Failed     int
	Details    []Detail
}

func (r *BatchResult) add(d Detail) {
	r.Processed++
	switch d.Status {
	case StatusSuccessful:
		r.Successful++
	case StatusSkipped:
		r.Skipped++
	case StatusFailed:
		r.Failed++
	}
	r.Details = append(r.Details, d)
}
