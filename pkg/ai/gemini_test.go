package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewGeminiClient("test-key", "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.baseURL = srv.URL
	c.uploadBaseURL = srv.URL
	return c
}

func TestGenerateReplyBuildsContents(t *testing.T) {
	var captured generateRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-2.0-flash:generateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("missing api key in query")
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]string{{"text": "a reply"}}}},
			},
		})
	})

	reply, err := c.GenerateReply(context.Background(), Request{
		SystemPrompt: "be brief",
		History: []Turn{
			{Role: "user", Content: "q1"},
			{Role: "assistant", Content: "a1"},
		},
		Message: "q2",
		File:    &FileRef{URI: "files/abc", MimeType: "image/png"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply != "a reply" {
		t.Fatalf("reply = %q", reply)
	}
	if captured.SystemInstruction == nil || captured.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("system instruction: %+v", captured.SystemInstruction)
	}
	if len(captured.Contents) != 3 {
		t.Fatalf("contents length %d, want 3", len(captured.Contents))
	}
	if captured.Contents[0].Role != "user" || captured.Contents[1].Role != "model" {
		t.Fatalf("history roles: %q %q", captured.Contents[0].Role, captured.Contents[1].Role)
	}
	last := captured.Contents[2]
	if last.Role != "user" || last.Parts[0].Text != "q2" {
		t.Fatalf("current turn: %+v", last)
	}
	if len(last.Parts) != 2 || last.Parts[1].FileData == nil || last.Parts[1].FileData.FileURI != "files/abc" {
		t.Fatalf("file part: %+v", last.Parts)
	}
}

func TestGenerateReplyAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "quota exceeded"},
		})
	})
	_, err := c.GenerateReply(context.Background(), Request{Message: "hi"})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected api error with message, got %v", err)
	}
}

func TestGenerateReplyEmptyCandidates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}})
	})
	if _, err := c.GenerateReply(context.Background(), Request{Message: "hi"}); err == nil {
		t.Fatal("expected error for empty candidates")
	}
}

func TestUploadFileMultipartRelated(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G', 1, 2, 3}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Goog-Upload-Protocol"); got != "multipart" {
			t.Errorf("upload protocol header = %q", got)
		}
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/related" {
			t.Errorf("content type %q: %v", mediaType, err)
		}
		reader := multipart.NewReader(r.Body, params["boundary"])

		metaPart, err := reader.NextPart()
		if err != nil {
			t.Fatalf("meta part: %v", err)
		}
		var meta struct {
			File struct {
				DisplayName string `json:"display_name"`
			} `json:"file"`
		}
		if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
			t.Errorf("decode meta: %v", err)
		}
		if meta.File.DisplayName != "cat.png" {
			t.Errorf("display name = %q", meta.File.DisplayName)
		}

		mediaPart, err := reader.NextPart()
		if err != nil {
			t.Fatalf("media part: %v", err)
		}
		if got := mediaPart.Header.Get("Content-Type"); got != "image/png" {
			t.Errorf("media content type = %q", got)
		}
		raw, _ := io.ReadAll(mediaPart)
		if !bytes.Equal(raw, payload) {
			t.Errorf("media bytes mismatch")
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"file": map[string]string{
				"name":     "files/xyz",
				"uri":      "https://generativelanguage.googleapis.com/v1beta/files/xyz",
				"mimeType": "image/png",
			},
		})
	})

	ref, err := c.UploadFile(context.Background(), "cat.png", "image/png", bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if ref.URI == "" || ref.MimeType != "image/png" || ref.Name != "cat.png" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
}

func TestUploadFileMissingURI(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"file": map[string]string{}})
	})
	if _, err := c.UploadFile(context.Background(), "cat.png", "image/png", strings.NewReader("x"), 1); err == nil {
		t.Fatal("expected error when response has no uri")
	}
}

func TestNormalizeModel(t *testing.T) {
	if got := normalizeModel("models/gemini-2.0-flash"); got != "gemini-2.0-flash" {
		t.Fatalf("normalize = %q", got)
	}
	if _, err := NewGeminiClient("k", "  "); err == nil {
		t.Fatal("expected error for empty model")
	}
}
