package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const (
	defaultGeminiBaseURL       = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiUploadBaseURL = "https://generativelanguage.googleapis.com/upload/v1beta"
)

// GeminiClient calls the Google AI Studio (Gemini) API.
type GeminiClient struct {
	apiKey        string
	model         string
	baseURL       string
	uploadBaseURL string
	httpClient    *http.Client
}

// NewGeminiClient constructs a client with the provided API key and model.
func NewGeminiClient(apiKey, model string) (*GeminiClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	model = normalizeModel(model)
	if model == "" {
		return nil, fmt.Errorf("gemini model required")
	}
	return &GeminiClient{
		apiKey:        apiKey,
		model:         model,
		baseURL:       defaultGeminiBaseURL,
		uploadBaseURL: defaultGeminiUploadBaseURL,
		httpClient:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// GenerateReply implements Generator against the generateContent endpoint.
// History maps to alternating user/model contents; the provider accepts
// consecutive same-role contents, so no alternation is enforced here.
func (c *GeminiClient) GenerateReply(ctx context.Context, req Request) (string, error) {
	contents := make([]content, 0, len(req.History)+1)
	for _, turn := range req.History {
		contents = append(contents, content{
			Role:  geminiRole(turn.Role),
			Parts: []part{{Text: turn.Content}},
		})
	}
	current := content{Role: "user", Parts: []part{{Text: req.Message}}}
	if req.File != nil && req.File.URI != "" {
		current.Parts = append(current.Parts, part{
			FileData: &fileData{
				FileURI:  req.File.URI,
				MimeType: req.File.MimeType,
			},
		})
	}
	contents = append(contents, current)

	reqBody := generateRequest{Contents: contents}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		reqBody.SystemInstruction = &content{
			Parts: []part{{Text: req.SystemPrompt}},
		}
	}
	var resp generateResponse
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	if err := c.doJSON(ctx, url, reqBody, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from gemini")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// UploadFile pushes file bytes to the Gemini Files API and returns the
// provider's reference for use in subsequent generation requests.
func (c *GeminiClient) UploadFile(ctx context.Context, name, mimeType string, r io.Reader, size int64) (FileRef, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	metaPart, err := writer.CreatePart(metaHeader)
	if err != nil {
		return FileRef{}, err
	}
	meta := map[string]any{"file": map[string]string{"display_name": name}}
	if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
		return FileRef{}, err
	}

	mediaHeader := textproto.MIMEHeader{}
	mediaHeader.Set("Content-Type", mimeType)
	mediaPart, err := writer.CreatePart(mediaHeader)
	if err != nil {
		return FileRef{}, err
	}
	if _, err := io.Copy(mediaPart, r); err != nil {
		return FileRef{}, fmt.Errorf("read upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return FileRef{}, err
	}

	url := fmt.Sprintf("%s/files?key=%s", c.uploadBaseURL, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return FileRef{}, err
	}
	httpReq.Header.Set("Content-Type", "multipart/related; boundary="+writer.Boundary())
	httpReq.Header.Set("X-Goog-Upload-Protocol", "multipart")
	httpReq.ContentLength = int64(body.Len())

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return FileRef{}, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode >= 400 {
		return FileRef{}, apiError(httpResp)
	}
	var resp uploadResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return FileRef{}, err
	}
	if resp.File.URI == "" {
		return FileRef{}, fmt.Errorf("gemini upload returned no file uri")
	}
	ref := FileRef{
		URI:      resp.File.URI,
		MimeType: resp.File.MimeType,
		Name:     name,
	}
	if ref.MimeType == "" {
		ref.MimeType = mimeType
	}
	return ref, nil
}

func geminiRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	return model
}

func (c *GeminiClient) doJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var errResp errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	if errResp.Error.Message != "" {
		return fmt.Errorf("gemini api error: %s", errResp.Error.Message)
	}
	return fmt.Errorf("gemini api error: %s", resp.Status)
}

type part struct {
	Text     string    `json:"text,omitempty"`
	FileData *fileData `json:"fileData,omitempty"`
}

type fileData struct {
	FileURI  string `json:"fileUri"`
	MimeType string `json:"mimeType"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type uploadResponse struct {
	File struct {
		Name     string `json:"name"`
		URI      string `json:"uri"`
		MimeType string `json:"mimeType"`
	} `json:"file"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
