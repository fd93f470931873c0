package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Metadata keys written alongside every indexed vector.
const (
	MetaUserID      = "user_id"
	MetaCategory    = "category"
	MetaRole        = "role"
	MetaText        = "text"
	MetaChunkIndex  = "chunk_index"
	MetaTotalChunks = "total_chunks"
	MetaCreatedAt   = "created_at"
	MetaSourceID    = "source_id"
	MetaSourceHash  = "source_hash"
)

// Fact is one stored chunk of durable user information.
type Fact struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Category    Category  `json:"category"`
	Role        Role      `json:"role"`
	RawText     string    `json:"text"`
	ChunkIndex  int       `json:"chunk_index"`
	TotalChunks int       `json:"total_chunks"`
	CreatedAt   time.Time `json:"created_at"`
	// SourceID groups the chunks cut from the same utterance.
	SourceID string `json:"source_id"`
	// SourceHash identifies the utterance text; equal texts stored twice
	// share it, which lets Recall collapse duplicates.
	SourceHash string `json:"source_hash"`
	// Score is the similarity to the query. Only set on recalled facts.
	Score float64 `json:"score,omitempty"`
}

func (f Fact) metadata() map[string]string {
	return map[string]string{
		MetaUserID:      f.UserID,
		MetaCategory:    string(f.Category),
		MetaRole:        string(f.Role),
		MetaText:        f.RawText,
		MetaChunkIndex:  strconv.Itoa(f.ChunkIndex),
		MetaTotalChunks: strconv.Itoa(f.TotalChunks),
		MetaCreatedAt:   f.CreatedAt.UTC().Format(time.RFC3339Nano),
		MetaSourceID:    f.SourceID,
		MetaSourceHash:  f.SourceHash,
	}
}

// dedupeKey is what Recall collapses on.
func (f Fact) dedupeKey() string {
	switch {
	case f.SourceHash != "":
		return f.SourceHash
	case f.SourceID != "":
		return f.SourceID
	default:
		return f.ID
	}
}

// factFromRecord rebuilds a Fact from index metadata. Records missing the
// user or the text are rejected.
func factFromRecord(rec Record) (Fact, error) {
	md := rec.Metadata
	if md[MetaUserID] == "" {
		return Fact{}, fmt.Errorf("record %s: missing %s", rec.ID, MetaUserID)
	}
	text, ok := md[MetaText]
	if !ok {
		return Fact{}, fmt.Errorf("record %s: missing %s", rec.ID, MetaText)
	}
	f := Fact{
		ID:         rec.ID,
		UserID:     md[MetaUserID],
		Category:   Category(md[MetaCategory]),
		Role:       Role(md[MetaRole]),
		RawText:    text,
		SourceID:   md[MetaSourceID],
		SourceHash: md[MetaSourceHash],
		Score:      rec.Score,
	}
	f.ChunkIndex, _ = strconv.Atoi(md[MetaChunkIndex])
	f.TotalChunks, _ = strconv.Atoi(md[MetaTotalChunks])
	if ts := md[MetaCreatedAt]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Fact{}, fmt.Errorf("record %s: parse %s: %w", rec.ID, MetaCreatedAt, err)
		}
		f.CreatedAt = t
	}
	return f, nil
}

func sourceHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
