package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"server/internal/domain"
)

// NanoBananaOptions configures the nano-banana backend.
type NanoBananaOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NanoBanana calls the nano-banana edit API, which answers with a bare
// output URL string.
type NanoBanana struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewNanoBanana(opts NanoBananaOptions) *NanoBanana {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://api.nanobanana.ai/v1"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &NanoBanana{
		httpClient: client,
		baseURL:    base,
		token:      strings.TrimSpace(opts.APIKey),
	}
}

func (n *NanoBanana) Name() domain.Provider {
	return domain.ProviderNanoBanana
}

type nanoBananaRequest struct {
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url,omitempty"`
	Size     string `json:"size"`
}

type nanoBananaResponse struct {
	Output string `json:"output"`
	Error  string `json:"error"`
}

func (n *NanoBanana) Generate(ctx context.Context, req Request) (RawOutput, error) {
	if n.token == "" {
		return nil, Permanent(n.Name(), errors.New("api key missing"))
	}
	payload := nanoBananaRequest{
		Prompt:   req.Prompt,
		ImageURL: req.SourceImageRef,
		Size:     dimensionsFor(req.OutputSize),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Permanent(n.Name(), err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/edits", bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(n.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+n.token)

	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(n.Name(), err)
	}
	defer resp.Body.Close()

	var out nanoBananaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, classifyStatus(n.Name(), resp.StatusCode, "unreadable body")
		}
		return nil, Permanent(n.Name(), fmt.Errorf("decode response: %w", err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, classifyStatus(n.Name(), resp.StatusCode, out.Error)
	}
	return URLOutput{URL: strings.TrimSpace(out.Output)}, nil
}

var _ Backend = (*NanoBanana)(nil)
