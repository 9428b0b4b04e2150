// Package domain holds the core data structures and ports for ingestion runs
package domain

import "encoding/json"

// Kind tags which entity family a record belongs to
type Kind string

// Entity kinds handled by the pipeline
const (
	KindTeam   Kind = "team"
	KindPlayer Kind = "player"
	KindGame   Kind = "game"
	KindStat   Kind = "stat"
)

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	switch k {
	case KindTeam, KindPlayer, KindGame, KindStat:
		return true
	}
	return false
}

// RawRecord is one record as delivered by a source, before transformation
type RawRecord struct {
	Source  string
	Kind    Kind
	Payload json.RawMessage
}

// Entity is a transformed record ready for persistence.
// Key is its dedup key; Fields carry the mutable columns as a flat document
type Entity struct {
	Key    string
	Kind   Kind
	Source string
	Fields map[string]any
}

// PageRequest asks a source for one page of records.
// An empty Cursor means the first page
type PageRequest struct {
	Source string
	Kind   Kind
	Cursor string
}

// Page is one fetched page. An empty NextCursor means the chain is exhausted
type Page struct {
	Records    []RawRecord
	NextCursor string
}

// UpsertResult reports the outcome of persisting one entity
type UpsertResult struct {
	Key      string
	Inserted bool // false means an existing row was updated
	Err      error
}

// RunFinish captures the terminal bookkeeping row for a run
type RunFinish struct {
	Status  string
	ErrText string
	Snap    Snapshot
}
