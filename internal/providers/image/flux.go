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

// FluxOptions configures the shared BFL API client.
type FluxOptions struct {
	APIKey       string
	BaseURL      string
	HTTPClient   *http.Client
	PollInterval time.Duration
}

// FluxClient talks to the Black Forest Labs API. Generation is asynchronous:
// a submit call returns a task id which is then polled until the sample URL
// is ready. One client serves all flux model variants.
type FluxClient struct {
	httpClient   *http.Client
	baseURL      string
	token        string
	pollInterval time.Duration
}

func NewFluxClient(opts FluxOptions) *FluxClient {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://api.bfl.ml/v1"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &FluxClient{
		httpClient:   client,
		baseURL:      base,
		token:        strings.TrimSpace(opts.APIKey),
		pollInterval: interval,
	}
}

// Flux adapts one flux model variant to the Backend contract.
type Flux struct {
	client   *FluxClient
	provider domain.Provider
	model    string
}

// NewFlux binds a model variant ("flux-dev", "flux-pro", ...) to a provider
// name over the shared client.
func NewFlux(client *FluxClient, provider domain.Provider, model string) *Flux {
	return &Flux{client: client, provider: provider, model: model}
}

func (f *Flux) Name() domain.Provider {
	return f.provider
}

type fluxSubmitRequest struct {
	Prompt      string `json:"prompt"`
	InputImage  string `json:"input_image,omitempty"`
	AspectRatio string `json:"aspect_ratio"`
}

type fluxSubmitResponse struct {
	ID     string `json:"id"`
	Detail string `json:"detail"`
}

type fluxResultResponse struct {
	Status string `json:"status"`
	Result struct {
		Sample string `json:"sample"`
	} `json:"result"`
}

func (f *Flux) Generate(ctx context.Context, req Request) (RawOutput, error) {
	if f.client.token == "" {
		return nil, Permanent(f.provider, errors.New("api key missing"))
	}
	taskID, err := f.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return f.poll(ctx, taskID)
}

func (f *Flux) submit(ctx context.Context, req Request) (string, error) {
	payload := fluxSubmitRequest{
		Prompt:      req.Prompt,
		InputImage:  req.SourceImageRef,
		AspectRatio: aspectFor(req.OutputSize),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", Permanent(f.provider, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.client.baseURL+"/"+f.model, bytes.NewReader(body))
	if err != nil {
		return "", Permanent(f.provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-key", f.client.token)

	resp, err := f.client.httpClient.Do(httpReq)
	if err != nil {
		return "", classifyTransport(f.provider, err)
	}
	defer resp.Body.Close()

	var out fluxSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return "", classifyStatus(f.provider, resp.StatusCode, "unreadable body")
		}
		return "", Permanent(f.provider, fmt.Errorf("decode submit response: %w", err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", classifyStatus(f.provider, resp.StatusCode, out.Detail)
	}
	if out.ID == "" {
		return "", Permanent(f.provider, errors.New("submit returned no task id"))
	}
	return out.ID, nil
}

func (f *Flux) poll(ctx context.Context, taskID string) (RawOutput, error) {
	ticker := time.NewTicker(f.client.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, classifyTransport(f.provider, ctx.Err())
		case <-ticker.C:
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.client.baseURL+"/get_result?id="+taskID, nil)
		if err != nil {
			return nil, Permanent(f.provider, err)
		}
		httpReq.Header.Set("x-key", f.client.token)

		resp, err := f.client.httpClient.Do(httpReq)
		if err != nil {
			return nil, classifyTransport(f.provider, err)
		}
		var out fluxResultResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if decodeErr != nil {
			if resp.StatusCode >= http.StatusBadRequest {
				return nil, classifyStatus(f.provider, resp.StatusCode, "unreadable body")
			}
			return nil, Permanent(f.provider, fmt.Errorf("decode result response: %w", decodeErr))
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, classifyStatus(f.provider, resp.StatusCode, out.Status)
		}

		switch out.Status {
		case "Ready":
			return URLOutput{URL: out.Result.Sample}, nil
		case "Pending", "Queued", "Processing":
			// keep polling
		case "Content Moderated", "Request Moderated":
			return nil, Permanent(f.provider, errors.New("content moderated"))
		case "Error", "Task not found":
			return nil, Permanent(f.provider, fmt.Errorf("task failed with status %q", out.Status))
		default:
			return nil, Permanent(f.provider, fmt.Errorf("unknown task status %q", out.Status))
		}
	}
}

var _ Backend = (*Flux)(nil)
