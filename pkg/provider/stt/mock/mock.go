// Package mock provides a test double for the stt.Provider interface.
//
// Provider returns scripted results in order and records every call:
//
//	p := &mock.Provider{Results: []mock.Result{{Text: "hello"}}}
//	text, err := p.Transcribe(ctx, wav)
//
// Set Block to a channel to hold calls in flight until the channel is closed
// or the call's context is cancelled.
package mock

import (
	"bytes"
	"context"
	"sync"

	"github.com/MrWong99/typefree/pkg/provider/stt"
)

// Result is one scripted Transcribe response.
type Result struct {
	Text string
	Err  error
}

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// WAV is a copy of the audio passed to Transcribe.
	WAV []byte
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results are returned in order. Once exhausted, Default is returned.
	Results []Result

	// Default is returned when Results is exhausted.
	Default Result

	// Block, if non-nil, makes Transcribe wait until it is closed or ctx is
	// done. A cancelled call returns ctx.Err().
	Block chan struct{}

	// Started, if non-nil, receives a value when a call begins (non-blocking
	// send).
	Started chan struct{}

	calls []TranscribeCall
}

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, TranscribeCall{WAV: bytes.Clone(wav)})
	res := p.Default
	if len(p.Results) > 0 {
		res = p.Results[0]
		p.Results = p.Results[1:]
	}
	block, started := p.Block, p.Started
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return res.Text, res.Err
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of recorded calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
