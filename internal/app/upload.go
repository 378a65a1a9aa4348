package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"chatrelay/internal/util"
	"chatrelay/pkg/ai"
)

// Upload stages a single file, sniffs its MIME type, and hands it off to
// the generation collaborator's file facility. Staged bytes are removed
// after hand-off, and best-effort removed on failure. When an object
// store is configured the attachment is archived concurrently.
func (a *App) Upload(ctx context.Context, filename string, r io.Reader, size int64) (ai.FileRef, error) {
	if a.uploader == nil {
		return ai.FileRef{}, fmt.Errorf("file upload not configured")
	}
	if filename == "" {
		return ai.FileRef{}, validationErr("filename is required")
	}
	if size > a.maxUploadBytes {
		return ai.FileRef{}, validationErr("file exceeds %d byte limit", a.maxUploadBytes)
	}

	uploadID := util.NewID()
	path, err := a.files.Stage(uploadID, filename, io.LimitReader(r, a.maxUploadBytes+1))
	if err != nil {
		return ai.FileRef{}, fmt.Errorf("stage upload: %w", err)
	}
	defer func() {
		if err := a.files.Remove(uploadID); err != nil {
			slog.Warn("remove staged upload failed", "upload_id", uploadID, "err", err)
		}
	}()

	info, err := os.Stat(path)
	if err != nil {
		return ai.FileRef{}, fmt.Errorf("stat upload: %w", err)
	}
	if info.Size() > a.maxUploadBytes {
		return ai.FileRef{}, validationErr("file exceeds %d byte limit", a.maxUploadBytes)
	}

	mimeType, err := sniffMimeType(path)
	if err != nil {
		return ai.FileRef{}, err
	}
	if _, ok := allowedUploadTypes[mimeType]; !ok {
		return ai.FileRef{}, validationErr("unsupported file type %s", mimeType)
	}

	var ref ai.FileRef
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open staged file: %w", err)
		}
		defer f.Close()
		uploaded, err := a.uploader.UploadFile(groupCtx, filename, mimeType, f, info.Size())
		if err != nil {
			return &GenerationError{Err: err}
		}
		ref = uploaded
		return nil
	})
	if a.objects != nil {
		group.Go(func() error {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open staged file: %w", err)
			}
			defer f.Close()
			key := fmt.Sprintf("attachments/%s/%s", uploadID, filename)
			return a.objects.Put(groupCtx, key, f, info.Size(), mimeType)
		})
	}
	if err := group.Wait(); err != nil {
		return ai.FileRef{}, err
	}
	return ref, nil
}

// AttachmentURL returns a short-lived download link for an archived
// attachment.
func (a *App) AttachmentURL(ctx context.Context, key string) (string, error) {
	if a.objects == nil {
		return "", fmt.Errorf("attachment archive not configured")
	}
	if strings.TrimSpace(key) == "" {
		return "", validationErr("attachment key is required")
	}
	url, err := a.objects.PresignGet(ctx, key, 15*time.Minute)
	if err != nil {
		return "", fmt.Errorf("presign attachment: %w", err)
	}
	return url, nil
}

// sniffMimeType detects the content type from the first 512 bytes.
func sniffMimeType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read staged file: %w", err)
	}
	mimeType := http.DetectContentType(buf[:n])
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.TrimSpace(mimeType), nil
}
