package domain

import "time"

// Provider enumerates supported image generation backends.
type Provider string

const (
	ProviderOpenAI          Provider = "OPENAI"
	ProviderFluxDev         Provider = "FLUX_DEV"
	ProviderFluxPro         Provider = "FLUX_PRO"
	ProviderFluxSchnell     Provider = "FLUX_SCHNELL"
	ProviderFluxKontext     Provider = "FLUX_KONTEXT"
	ProviderNanoBanana      Provider = "NANO_BANANA"
	ProviderSeedream        Provider = "SEEDREAM"
	ProviderStableDiffusion Provider = "STABLE_DIFFUSION"
)

// OutputSize enumerates supported output dimensions.
type OutputSize string

const (
	OutputSizeSquare    OutputSize = "SQUARE"
	OutputSizePortrait  OutputSize = "PORTRAIT"
	OutputSizeLandscape OutputSize = "LANDSCAPE"
)

// Preset is a selectable generation configuration. It is read-only from the
// orchestration subsystem's point of view.
type Preset struct {
	ID             string
	Name           string
	Provider       Provider
	PromptTemplate string
	Credits        int
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
