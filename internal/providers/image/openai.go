package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"server/internal/domain"
)

// OpenAIOptions configures the OpenAI image backend.
type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// OpenAI generates images through the OpenAI images API. gpt-image models
// return base64 payloads, which surface here as StreamOutput.
type OpenAI struct {
	httpClient *http.Client
	baseURL    string
	token      string
	model      string
}

func NewOpenAI(opts OpenAIOptions) *OpenAI {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	model := opts.Model
	if model == "" {
		model = "gpt-image-1"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Minute}
	}
	return &OpenAI{
		httpClient: client,
		baseURL:    base,
		token:      strings.TrimSpace(opts.APIKey),
		model:      model,
	}
}

func (o *OpenAI) Name() domain.Provider {
	return domain.ProviderOpenAI
}

type openaiRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type openaiResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (RawOutput, error) {
	if o.token == "" {
		return nil, Permanent(o.Name(), errors.New("api key missing"))
	}
	payload := openaiRequest{
		Model:  o.model,
		Prompt: promptWithSource(req),
		N:      1,
		Size:   dimensionsFor(req.OutputSize),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Permanent(o.Name(), err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(o.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.token)

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(o.Name(), err)
	}
	defer resp.Body.Close()

	var out openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, classifyStatus(o.Name(), resp.StatusCode, "unreadable body")
		}
		return nil, Permanent(o.Name(), fmt.Errorf("decode response: %w", err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		detail := ""
		if out.Error != nil {
			detail = out.Error.Message
			if out.Error.Code == "content_policy_violation" || out.Error.Type == "invalid_request_error" {
				return nil, Permanent(o.Name(), fmt.Errorf("%s: %s", out.Error.Code, out.Error.Message))
			}
		}
		return nil, classifyStatus(o.Name(), resp.StatusCode, detail)
	}
	if len(out.Data) == 0 {
		return nil, Permanent(o.Name(), errors.New("empty data array"))
	}
	first := out.Data[0]
	if first.URL != "" {
		return URLOutput{URL: first.URL}, nil
	}
	if first.B64JSON == "" {
		return nil, Permanent(o.Name(), errors.New("data entry carries neither url nor b64_json"))
	}
	data, err := base64.StdEncoding.DecodeString(first.B64JSON)
	if err != nil {
		return nil, Permanent(o.Name(), fmt.Errorf("decode b64_json: %w", err))
	}
	return StreamOutput{Data: data, MIME: "image/png"}, nil
}

// promptWithSource appends the source image reference so image-to-image
// presets carry their conditioning input to providers that take it inline.
func promptWithSource(req Request) string {
	if req.SourceImageRef == "" {
		return req.Prompt
	}
	return req.Prompt + "\nsource image: " + req.SourceImageRef
}

var _ Backend = (*OpenAI)(nil)
