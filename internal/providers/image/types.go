package image

import (
	"context"

	"server/internal/domain"
)

// Request is the canonical payload handed to any backend. The source image
// travels in its own field; it is never smuggled through Params.
type Request struct {
	GenerationID   string
	Prompt         string
	SourceImageRef string
	OutputSize     domain.OutputSize
	Params         map[string]string
}

// RawOutput is the sealed set of shapes a backend may produce. Backends
// return one of URLOutput or StreamOutput; nothing provider-specific
// escapes this package.
type RawOutput interface {
	rawOutput()
}

// URLOutput is a durable reference the provider already hosts.
type URLOutput struct {
	URL string
}

// StreamOutput is raw image bytes that must be persisted before the result
// can leave the router.
type StreamOutput struct {
	Data []byte
	MIME string
}

func (URLOutput) rawOutput()    {}
func (StreamOutput) rawOutput() {}

// NormalizedOutput is the single output contract of the router.
type NormalizedOutput struct {
	URL string
}

// Backend is the contract implemented by all provider adapters. Generate is
// blocking I/O and must honor ctx cancellation and deadlines.
type Backend interface {
	Name() domain.Provider
	Generate(ctx context.Context, req Request) (RawOutput, error)
}

// BlobStore persists stream outputs and returns a durable reference URL.
type BlobStore interface {
	Store(ctx context.Context, key, mime string, data []byte) (string, error)
}

// dimensionsFor maps the output size enum onto the width x height string most
// provider APIs accept.
func dimensionsFor(size domain.OutputSize) string {
	switch size {
	case domain.OutputSizePortrait:
		return "1024x1536"
	case domain.OutputSizeLandscape:
		return "1536x1024"
	default:
		return "1024x1024"
	}
}

// aspectFor maps the output size enum onto the aspect-ratio string used by
// the flux and stability APIs.
func aspectFor(size domain.OutputSize) string {
	switch size {
	case domain.OutputSizePortrait:
		return "2:3"
	case domain.OutputSizeLandscape:
		return "3:2"
	default:
		return "1:1"
	}
}
