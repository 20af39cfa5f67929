// Package openai provides an STT provider for OpenAI-compatible
// /audio/transcriptions endpoints. It works against OpenAI itself and,
// through WithBaseURL, against Groq and other services that mirror the API.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/typefree/pkg/provider/stt"
)

const (
	// DefaultModel is the Whisper variant served by Groq.
	DefaultModel = "whisper-large-v3-turbo"

	// GroqBaseURL is the OpenAI-compatible Groq API root.
	GroqBaseURL = "https://api.groq.com/openai/v1/"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI audio API.
type Provider struct {
	client      oai.Client
	model       string
	language    string
	prompt      string
	temperature *float64
}

// config holds optional configuration for the provider.
type config struct {
	baseURL     string
	model       string
	language    string
	prompt      string
	temperature *float64
	timeout     time.Duration
	maxRetries  int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel sets the transcription model. Defaults to [DefaultModel].
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithLanguage sets the ISO-639-1 language hint. An empty value or
// [stt.LanguageAuto] omits the hint and lets the service detect it.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithPrompt sets an optional prompt that biases the recognised vocabulary.
func WithPrompt(prompt string) Option {
	return func(c *config) {
		c.prompt = prompt
	}
}

// WithTemperature sets the sampling temperature in [0, 1].
func WithTemperature(t float64) Option {
	return func(c *config) {
		c.temperature = &t
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the client retries failed requests. A
// negative value keeps the client default.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs a new OpenAI STT Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{model: DefaultModel, maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Provider{
		client:      oai.NewClient(reqOpts...),
		model:       cfg.model,
		language:    cfg.language,
		prompt:      cfg.prompt,
		temperature: cfg.temperature,
	}, nil
}

// Model returns the configured transcription model.
func (p *Provider) Model() string { return p.model }

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", fmt.Errorf("openai: %w", stt.ErrEmptyAudio)
	}
	res, err := p.client.Audio.Transcriptions.New(ctx, p.buildParams(wav))
	if err != nil {
		return "", fmt.Errorf("openai: transcribe: %w", err)
	}
	return strings.TrimSpace(res.Text), nil
}

func (p *Provider) buildParams(wav []byte) oai.AudioTranscriptionNewParams {
	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model:          oai.AudioModel(p.model),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if p.language != "" && p.language != stt.LanguageAuto {
		params.Language = oai.String(p.language)
	}
	if p.prompt != "" {
		params.Prompt = oai.String(p.prompt)
	}
	if p.temperature != nil {
		params.Temperature = oai.Float(*p.temperature)
	}
	return params
}
