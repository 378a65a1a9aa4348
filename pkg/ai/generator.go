package ai

import (
	"context"
	"io"
)

// Turn is one prior exchange message passed as generation context.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// FileRef is an opaque reference to a file held by the provider's
// file facility.
type FileRef struct {
	URI      string
	MimeType string
	Name     string
}

// Request carries everything one generation call needs.
type Request struct {
	SystemPrompt string
	History      []Turn
	Message      string
	File         *FileRef
}

// Generator produces assistant text from a message and prior history.
type Generator interface {
	GenerateReply(ctx context.Context, req Request) (string, error)
}

// Uploader hands file bytes to the provider and returns an opaque
// reference usable in a later generation request.
type Uploader interface {
	UploadFile(ctx context.Context, name, mimeType string, r io.Reader, size int64) (FileRef, error)
}
