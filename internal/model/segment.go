package model

import "time"

// SegmentInfo describes one published segment file
type SegmentInfo struct {
	Name      string
	Path      string
	Tombstone bool
	Timestamp int64
	Records   uint64
	Size      int64
	ModTime   time.Time
}

// ConsolidationManifest is persisted before a consolidation pass merges
// anything. Other passes skip the inputs of a manifest younger than the
// consolidation margin.
type ConsolidationManifest struct {
	ID         string   `yaml:"id"`
	Output     string   `yaml:"output"`
	Inputs     []string `yaml:"inputs"`
	Tombstones []string `yaml:"tombstones"`
	CreatedAt  int64    `yaml:"created_at"`
}

// ConsolidationStatus indicates how a pass ended
type ConsolidationStatus string

const (
	ConsolidationStatusNoop      ConsolidationStatus = "noop"
	ConsolidationStatusCompleted ConsolidationStatus = "completed"
	ConsolidationStatusConflict  ConsolidationStatus = "conflict"
	ConsolidationStatusFailed    ConsolidationStatus = "failed"
)

// ConsolidationResult summarises one pass
type ConsolidationResult struct {
	ID                string
	Status            ConsolidationStatus
	Inputs            []string
	Output            string
	RecordsWritten    uint64
	TombstonesDropped int
	StaleManifests    int
	Duration          time.Duration
}
