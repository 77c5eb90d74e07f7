package models

import "time"

// Artifact is one uploaded blob and its metadata record.
type Artifact struct {
	Code            string    `json:"code"`
	StorageLocation string    `json:"-"`
	Size            int64     `json:"size"`
	Checksum        string    `json:"checksum"`
	ContentType     string    `json:"content_type"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// TemplateKind names the sort of document a template holds.
type TemplateKind string

const (
	KindClaudeMD TemplateKind = "claude-md"
	KindAgentsMD TemplateKind = "agents-md"
	KindCommand  TemplateKind = "command"
	KindSkill    TemplateKind = "skill"
	KindSettings TemplateKind = "settings"
)

// TemplateKinds lists every recognised kind.
var TemplateKinds = []TemplateKind{KindClaudeMD, KindAgentsMD, KindCommand, KindSkill, KindSettings}

// Valid reports whether k is a recognised kind.
func (k TemplateKind) Valid() bool {
	for _, known := range TemplateKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Template is a small text document stored inline under a code.
type Template struct {
	Code          string       `json:"code"`
	Kind          TemplateKind `json:"kind"`
	Title         string       `json:"title"`
	Description   string       `json:"description,omitempty"`
	Content       string       `json:"content"`
	Size          int64        `json:"size"`
	DownloadCount int64        `json:"download_count"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

type AuditAction string

const (
	ActionGenerate      AuditAction = "generate"
	ActionUpload        AuditAction = "upload"
	ActionReplace       AuditAction = "replace"
	ActionDownload      AuditAction = "download"
	ActionDelete        AuditAction = "delete"
	ActionTemplateShare AuditAction = "template_share"
	ActionTemplateFetch AuditAction = "template_fetch"
	ActionIntegrity     AuditAction = "integrity"
	ActionCleanup       AuditAction = "cleanup"
)

// AuditEntry is an immutable lifecycle event.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Action    AuditAction    `json:"action"`
	Code      string         `json:"code,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SweepResult counts what one reaper pass removed.
type SweepResult struct {
	Artifacts    int `json:"artifacts"`
	Templates    int `json:"templates"`
	BlobFailures int `json:"blob_failures"`
	OrphanBlobs  int `json:"orphan_blobs"`
	TempFiles    int `json:"temp_files"`
}

// Total is the number of records removed.
func (r SweepResult) Total() int {
	return r.Artifacts + r.Templates
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type UploadResponse struct {
	Code      string `json:"code"`
	ExpiresAt string `json:"expires_at"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"`
	Message   string `json:"message"`
}

type StatusResponse struct {
	Code      string `json:"code"`
	HasBackup bool   `json:"has_backup"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

type ShareTemplateRequest struct {
	Kind        string `json:"kind" validate:"required"`
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
	Content     string `json:"content" validate:"required"`
}

type ShareTemplateResponse struct {
	Code      string `json:"code"`
	ExpiresAt string `json:"expires_at"`
	Message   string `json:"message"`
}
