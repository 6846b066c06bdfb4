package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"server/internal/domain"
)

// StableDiffusionOptions configures the stability backend.
type StableDiffusionOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// StableDiffusion calls the Stability stable-image API, which streams the
// generated image bytes back directly.
type StableDiffusion struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewStableDiffusion(opts StableDiffusionOptions) *StableDiffusion {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://api.stability.ai/v2beta"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Minute}
	}
	return &StableDiffusion{
		httpClient: client,
		baseURL:    base,
		token:      strings.TrimSpace(opts.APIKey),
	}
}

func (s *StableDiffusion) Name() domain.Provider {
	return domain.ProviderStableDiffusion
}

func (s *StableDiffusion) Generate(ctx context.Context, req Request) (RawOutput, error) {
	if s.token == "" {
		return nil, Permanent(s.Name(), errors.New("api key missing"))
	}
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	_ = form.WriteField("prompt", req.Prompt)
	_ = form.WriteField("aspect_ratio", aspectFor(req.OutputSize))
	_ = form.WriteField("output_format", "png")
	if req.SourceImageRef != "" {
		_ = form.WriteField("image", req.SourceImageRef)
	}
	if err := form.Close(); err != nil {
		return nil, Permanent(s.Name(), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/stable-image/generate/core", &body)
	if err != nil {
		return nil, Permanent(s.Name(), err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+s.token)
	httpReq.Header.Set("Accept", "image/*")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, classifyStatus(s.Name(), resp.StatusCode, readErrorDetail(resp.Body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(s.Name(), fmt.Errorf("read image stream: %w", err))
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/png"
	}
	return StreamOutput{Data: data, MIME: mime}, nil
}

func readErrorDetail(r io.Reader) string {
	var out struct {
		Errors []string `json:"errors"`
		Name   string   `json:"name"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&out); err != nil {
		return ""
	}
	if len(out.Errors) > 0 {
		return out.Errors[0]
	}
	return out.Name
}

var _ Backend = (*StableDiffusion)(nil)
