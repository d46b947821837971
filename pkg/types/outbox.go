package types

import (
	"encoding/json"
	"fmt"
	"path"
	"time"
)

// Outbox entry kinds. Each kind is its own FIFO queue per owner.
const (
	OutboxArchiveWrite = "archive_write"
	OutboxMediaUpload  = "media_upload"
)

// OutboxKinds lists the queues in drain order: archive entries go out before
// the media that attaches to them.
var OutboxKinds = []string{OutboxArchiveWrite, OutboxMediaUpload}

// Memory media kinds.
const (
	MediaPhoto = "photo"
	MediaVideo = "video"
)

// OutboxEntry is a remote write awaiting confirmation. It is deleted only
// after the remote call succeeds.
type OutboxEntry struct {
	ID        string          `json:"id"` // UUID v7, so ids sort by creation.
	Kind      string          `json:"kind"`
	OwnerID   string          `json:"ownerId"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
}

// ArchiveWrite is the payload of an archive_write entry. ArchiveID is
// generated on the client and doubles as the remote idempotency key.
type ArchiveWrite struct {
	ArchiveID string          `json:"archiveId"`
	Record    json.RawMessage `json:"record"`
}

// MediaUpload is the payload of a media_upload entry.
type MediaUpload struct {
	ArchiveID   string `json:"archiveId"`
	FileName    string `json:"fileName"`
	Kind        string `json:"kind"`
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"data"`
}

// DestinationPath returns the object storage path the media is uploaded to.
func (m *MediaUpload) DestinationPath(ownerID string) string {
	return path.Join("memories", ownerID, m.ArchiveID, path.Base(m.FileName))
}

// DecodeArchiveWrite unmarshals the payload of an archive_write entry.
func (e *OutboxEntry) DecodeArchiveWrite() (*ArchiveWrite, error) {
	if e.Kind != OutboxArchiveWrite {
		return nil, fmt.Errorf("entry %s is %s: %w", e.ID, e.Kind, ErrInvalidData)
	}
	var w ArchiveWrite
	if err := json.Unmarshal(e.Payload, &w); err != nil {
		return nil, fmt.Errorf("decoding archive write %s: %w", e.ID, err)
	}
	return &w, nil
}

// DecodeMediaUpload unmarshals the payload of a media_upload entry.
func (e *OutboxEntry) DecodeMediaUpload() (*MediaUpload, error) {
	if e.Kind != OutboxMediaUpload {
		return nil, fmt.Errorf("entry %s is %s: %w", e.ID, e.Kind, ErrInvalidData)
	}
	var m MediaUpload
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil, fmt.Errorf("decoding media upload %s: %w", e.ID, err)
	}
	return &m, nil
}
