// Package models defines the domain types for MyVault.
package models

import (
	"encoding/json"
	"time"
)

// Vault is the per-tenant storage scope.
type Vault struct {
	ID        string    `json:"vault_id"`
	TenantKey string    `json:"tenant_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifact is one ingested file plus its metadata. It is immutable once created.
type Artifact struct {
	ID          string    `json:"artifact_id"`
	VaultID     string    `json:"vault_id"`
	BlobRef     string    `json:"blob_ref"`
	FileName    string    `json:"file_name"`
	FileType    string    `json:"file_type"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentHash string    `json:"content_hash"`
	UploadedVia string    `json:"uploaded_via"`
	CreatedAt   time.Time `json:"created_at"`
}

// JobStatus is the lifecycle state of a ProcessingJob.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ProcessingJob is one attempt to extract structured content from an Artifact.
type ProcessingJob struct {
	ID           string          `json:"job_id"`
	ArtifactID   string          `json:"artifact_id"`
	VaultID      string          `json:"vault_id"`
	Status       JobStatus       `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	RawResponse  json.RawMessage `json:"raw_response,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// StructuredChunk is one ordered unit of extracted content.
type StructuredChunk struct {
	ID         string          `json:"chunk_id"`
	ArtifactID string          `json:"artifact_id"`
	JobID      string          `json:"job_id"`
	Index      int             `json:"index"`
	Content    string          `json:"content"`
	Blocks     json.RawMessage `json:"blocks"`
}

// SearchEntry is the flattened text of a completed job's chunks.
type SearchEntry struct {
	ArtifactID string    `json:"artifact_id"`
	VaultID    string    `json:"vault_id"`
	JobID      string    `json:"job_id"`
	Text       string    `json:"text"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SearchHit is one full-text search result.
type SearchHit struct {
	ArtifactID string `json:"artifact_id"`
	FileName   string `json:"file_name"`
	Snippet    string `json:"snippet"`
}

// MediaRef points at one attachment of an inbound message.
type MediaRef struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// Message is the canonical form of an inbound event.
type Message struct {
	SenderKey string     `json:"sender_key"`
	BodyText  string     `json:"body_text"`
	MediaRefs []MediaRef `json:"media_refs"`
}
