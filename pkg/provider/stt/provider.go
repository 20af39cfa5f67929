// Package stt defines the Provider interface for batch Speech-to-Text backends.
//
// A provider receives one complete utterance as a RIFF/WAVE container (16-bit
// PCM, see audio.EncodeWAV) and returns its transcription. Calls may take
// hundreds of milliseconds and may fail; callers treat failures as soft and
// never retry inside the capture path.
//
// Implementations in sub-packages:
//
//   - openai: OpenAI-compatible /audio/transcriptions (OpenAI, Groq)
//   - whisper: a whisper.cpp server over HTTP, or whisper.cpp in-process via CGO
//   - mock: a scripted test double
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned when Transcribe is called without audio.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Provider is the abstraction over any transcription backend.
type Provider interface {
	// Transcribe returns the text spoken in wav, trimmed of surrounding
	// whitespace. An empty string with a nil error means the backend heard
	// nothing intelligible.
	//
	// Transcribe must honour ctx cancellation and return promptly once ctx is
	// done.
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// ProviderFunc adapts an ordinary function to [Provider].
type ProviderFunc func(ctx context.Context, wav []byte) (string, error)

// Transcribe calls f(ctx, wav).
func (f ProviderFunc) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return f(ctx, wav)
}

// Language values with special meaning to providers.
const (
	// LanguageAuto lets the backend detect the spoken language.
	LanguageAuto = "auto"
)
