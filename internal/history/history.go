// Package history persists the text of finished dictation sessions.
//
// Only text is stored. Captured audio never leaves process memory.
package history

import (
	"context"
	"errors"
	"time"
)

// Source records which transcription pass produced an entry's text.
type Source string

const (
	// SourceFinal is the authoritative pass over the whole recording.
	SourceFinal Source = "final"

	// SourceLive is the joined live transcripts, used when the final pass
	// failed or returned nothing.
	SourceLive Source = "live"
)

// ErrEmptyText is returned by [Store.Save] for entries without text.
var ErrEmptyText = errors.New("history: empty text")

// Entry is one finished session.
type Entry struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"created_at"`

	// SpeechChunks is the number of chunks classified as speech.
	SpeechChunks int `json:"speech_chunks"`

	// Duration is the length of the captured audio.
	Duration time.Duration `json:"duration_ns"`
}

// Store is the persistence interface for session history. Implementations
// must be safe for concurrent use.
type Store interface {
	// Save stores e and returns it with ID and CreatedAt assigned.
	Save(ctx context.Context, e Entry) (Entry, error)

	// Recent returns up to limit entries, newest first. A non-positive limit
	// returns every entry.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Search returns up to limit entries whose text matches query, newest
	// first.
	Search(ctx context.Context, query string, limit int) ([]Entry, error)

	// Close releases any resources held by the store.
	Close()
}
