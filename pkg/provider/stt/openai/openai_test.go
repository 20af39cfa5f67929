package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/typefree/pkg/audio"
	"github.com/MrWong99/typefree/pkg/provider/stt"
)

// TestNew_EmptyAPIKey verifies that an empty key is rejected.
func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

// TestNew_EmptyModel verifies that an explicit empty model is rejected.
func TestNew_EmptyModel(t *testing.T) {
	if _, err := New("key", WithModel("")); err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_DefaultModel verifies the Groq Whisper default.
func TestNew_DefaultModel(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Model() != DefaultModel {
		t.Errorf("Model() = %q, want %q", p.Model(), DefaultModel)
	}
}

// TestBuildParams_AutoLanguageOmitted checks that "auto" sends no hint.
func TestBuildParams_AutoLanguageOmitted(t *testing.T) {
	for _, lang := range []string{"", stt.LanguageAuto} {
		p := &Provider{model: DefaultModel, language: lang}
		params := p.buildParams([]byte("x"))
		if params.Language.Valid() {
			t.Errorf("language %q: hint set to %q, want omitted", lang, params.Language.Value)
		}
	}
}

// TestBuildParams_ExplicitLanguage checks that a concrete language is sent.
func TestBuildParams_ExplicitLanguage(t *testing.T) {
	p := &Provider{model: "whisper-1", language: "de"}
	params := p.buildParams([]byte("x"))
	if !params.Language.Valid() || params.Language.Value != "de" {
		t.Errorf("Language = %+v, want de", params.Language)
	}
	if string(params.Model) != "whisper-1" {
		t.Errorf("Model = %q, want whisper-1", params.Model)
	}
}

// capture records what the fake transcription endpoint received.
type capture struct {
	mu     sync.Mutex
	path   string
	auth   string
	fields map[string]string
	file   []byte
}

func newFakeServer(t *testing.T, status int, text string, c *capture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c != nil {
			c.mu.Lock()
			c.path = r.URL.Path
			c.auth = r.Header.Get("Authorization")
			c.fields = map[string]string{}
			if err := r.ParseMultipartForm(1 << 20); err == nil {
				for k, v := range r.MultipartForm.Value {
					c.fields[k] = v[0]
				}
				if f, _, err := r.FormFile("file"); err == nil {
					c.file, _ = io.ReadAll(f)
					f.Close()
				}
			}
			c.mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "rate limited", "type": "rate_limit"},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestTranscribe_RoundTrip exercises the full request against a fake server.
func TestTranscribe_RoundTrip(t *testing.T) {
	c := &capture{}
	srv := newFakeServer(t, http.StatusOK, "  hello there  ", c)
	p, err := New("secret", WithBaseURL(srv.URL+"/"), WithLanguage("en"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wav := audio.EncodeWAV(make([]byte, 3200), 16000, 1)
	text, err := p.Transcribe(context.Background(), wav)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello there" {
		t.Errorf("text = %q, want %q", text, "hello there")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path != "/audio/transcriptions" {
		t.Errorf("path = %q, want /audio/transcriptions", c.path)
	}
	if c.auth != "Bearer secret" {
		t.Errorf("Authorization = %q", c.auth)
	}
	if c.fields["model"] != DefaultModel {
		t.Errorf("model = %q, want %q", c.fields["model"], DefaultModel)
	}
	if c.fields["language"] != "en" {
		t.Errorf("language = %q, want en", c.fields["language"])
	}
	if c.fields["response_format"] != "json" {
		t.Errorf("response_format = %q, want json", c.fields["response_format"])
	}
	if len(c.file) != len(wav) {
		t.Errorf("uploaded %d bytes, want %d", len(c.file), len(wav))
	}
}

// TestTranscribe_HTTPError verifies that API errors surface to the caller.
func TestTranscribe_HTTPError(t *testing.T) {
	srv := newFakeServer(t, http.StatusTooManyRequests, "", nil)
	p, _ := New("secret", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))

	if _, err := p.Transcribe(context.Background(), []byte("RIFF")); err == nil {
		t.Fatal("expected error for HTTP 429")
	}
}

// TestTranscribe_EmptyAudio verifies the request is never sent without audio.
func TestTranscribe_EmptyAudio(t *testing.T) {
	p, _ := New("secret", WithBaseURL("http://127.0.0.1:1/"))
	_, err := p.Transcribe(context.Background(), nil)
	if !errors.Is(err, stt.ErrEmptyAudio) {
		t.Fatalf("err = %v, want ErrEmptyAudio", err)
	}
}
