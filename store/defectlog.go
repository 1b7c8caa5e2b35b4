package store

import (
	"fmt"
	"log/slog"

	"f0oster/admirror/metrics"
)

// DefectLog records data-quality observations that do not abort ingestion:
// duplicate index keys and unparseable records.
// It typically writes to the sibling ".log" file next to the snapshot.
type DefectLog struct {
	log   *slog.Logger
	count metrics.Counter
}

func NewDefectLog(log *slog.Logger, sink metrics.Sink) *DefectLog {
	return &DefectLog{
		log:   log,
		count: sink.Counter("defects_total"),
	}
}

// DuplicateKey reports two live entities claiming the same index key.
// The later writer has already won the slot.
func (d *DefectLog) DuplicateKey(index string, key any, prevTag, newTag int) {
	d.count.Inc()
	d.log.Warn("duplicate index key",
		"index", index,
		"key", fmt.Sprint(key),
		"displaced_tag", prevTag,
		"winning_tag", newTag,
	)
}

// ParseFailure reports a record that could not be parsed and was skipped.
func (d *DefectLog) ParseFailure(dn string, err error) {
	d.count.Inc()
	d.log.Warn("record parse failure", "dn", dn, "err", err)
}
