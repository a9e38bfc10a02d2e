// Package session persists translation sessions and their per-chunk
// results, keyed by a fingerprint of the submitted text.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Storage keys. Each holds one JSON document.
const (
	KeySessions   = "translationSessions"
	KeyChunks     = "processedChunks"
	KeyLastChunks = "lastChunksData"
)

const DefaultMaxSessions = 3

// Data is one submission: the chunk list and the prompt template around it.
type Data struct {
	Chunks     []string `json:"chunks"`
	Prefix     string   `json:"prefix"`
	Suffix     string   `json:"suffix"`
	RetryCount int      `json:"retryCount"`
}

// Session is the stored metadata for one fingerprint.
type Session struct {
	ID         string    `json:"id"`
	Chunks     []string  `json:"chunks"`
	Prefix     string    `json:"prefix"`
	Suffix     string    `json:"suffix"`
	RetryCount int       `json:"retryCount"`
	FirstChunk string    `json:"firstChunk"`
	CreatedAt  time.Time `json:"createdAt"`
	Timestamp  time.Time `json:"timestamp"`
}

// Data returns the submission the session was created from.
func (s Session) Data() Data {
	return Data{Chunks: s.Chunks, Prefix: s.Prefix, Suffix: s.Suffix, RetryCount: s.RetryCount}
}

type State string

const (
	StatePending  State = "pending"
	StatePartial  State = "partial"
	StateComplete State = "complete"
	StateErrored  State = "errored"
)

// Content is the generated output of one chunk.
type Content struct {
	Parts []string `json:"parts"`
	Text  string   `json:"text"`
}

// ChunkResult is the stored output for (session, index).
type ChunkResult struct {
	Content    Content   `json:"content"`
	RawContent string    `json:"rawContent"`
	State      State     `json:"state"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// LastChunks is the most recent submission, kept for crash recovery.
type LastChunks struct {
	Data
	SavedAt time.Time `json:"savedAt"`
}

// Fingerprint is the lowercase hex SHA-256 of prefix, chunks and suffix
// concatenated without separators.
func Fingerprint(prefix string, chunks []string, suffix string) string {
	h := sha256.New()
	h.Write([]byte(prefix))
	for _, c := range chunks {
		h.Write([]byte(c))
	}
	h.Write([]byte(suffix))
	return hex.EncodeToString(h.Sum(nil))
}

func firstChunk(chunks []string) string {
	const max = 120
	if len(chunks) == 0 {
		return ""
	}
	r := []rune(chunks[0])
	if len(r) > max {
		return string(r[:max])
	}
	return string(r)
}
