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

// SeedreamOptions configures the seedream backend.
type SeedreamOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// Seedream calls the BytePlus ARK images API, which answers with an array of
// generated images; the first element carries the result URL.
type Seedream struct {
	httpClient *http.Client
	baseURL    string
	token      string
	model      string
}

func NewSeedream(opts SeedreamOptions) *Seedream {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://ark.ap-southeast.bytepluses.com/api/v3"
	}
	model := opts.Model
	if model == "" {
		model = "seedream-4-0-250828"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Seedream{
		httpClient: client,
		baseURL:    base,
		token:      strings.TrimSpace(opts.APIKey),
		model:      model,
	}
}

func (s *Seedream) Name() domain.Provider {
	return domain.ProviderSeedream
}

type seedreamRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Image  []string `json:"image,omitempty"`
	Size   string   `json:"size"`
}

type seedreamResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Seedream) Generate(ctx context.Context, req Request) (RawOutput, error) {
	if s.token == "" {
		return nil, Permanent(s.Name(), errors.New("api key missing"))
	}
	payload := seedreamRequest{
		Model:  s.model,
		Prompt: req.Prompt,
		Size:   dimensionsFor(req.OutputSize),
	}
	if req.SourceImageRef != "" {
		payload.Image = []string{req.SourceImageRef}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Permanent(s.Name(), err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(s.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(s.Name(), err)
	}
	defer resp.Body.Close()

	var out seedreamResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, classifyStatus(s.Name(), resp.StatusCode, "unreadable body")
		}
		return nil, Permanent(s.Name(), fmt.Errorf("decode response: %w", err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		detail := ""
		if out.Error != nil {
			detail = fmt.Sprintf("%s: %s", out.Error.Code, out.Error.Message)
		}
		return nil, classifyStatus(s.Name(), resp.StatusCode, detail)
	}
	if len(out.Data) == 0 {
		return nil, Permanent(s.Name(), errors.New("empty data array"))
	}
	return URLOutput{URL: out.Data[0].URL}, nil
}

var _ Backend = (*Seedream)(nil)
