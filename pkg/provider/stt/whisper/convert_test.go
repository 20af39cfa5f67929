package whisper

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/typefree/pkg/audio"
)

func le16(values ...int16) []byte {
	b := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func TestPcmToFloat32Mono_Empty(t *testing.T) {
	if out := pcmToFloat32Mono(nil, 1); len(out) != 0 {
		t.Fatalf("expected 0 samples, got %d", len(out))
	}
}

func TestPcmToFloat32Mono_FullScale(t *testing.T) {
	tests := []struct {
		name  string
		value int16
		want  float32
	}{
		{"max positive", 32767, 32767.0 / 32768.0},
		{"max negative", -32768, -1.0},
		{"zero", 0, 0.0},
		{"mid positive", 16384, 0.5},
		{"mid negative", -16384, -0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := pcmToFloat32Mono(le16(tt.value), 1)
			if math.Abs(float64(out[0]-tt.want)) > 1e-6 {
				t.Errorf("pcmToFloat32Mono(%d) = %f; want %f", tt.value, out[0], tt.want)
			}
		})
	}
}

func TestPcmToFloat32Mono_OddByteCount(t *testing.T) {
	pcm := append(le16(100, 200), 0xFF)
	if out := pcmToFloat32Mono(pcm, 1); len(out) != 2 {
		t.Fatalf("expected 2 samples (trailing byte ignored), got %d", len(out))
	}
}

func TestPcmToFloat32Mono_ZeroChannelsTreatedAsMono(t *testing.T) {
	if out := pcmToFloat32Mono(le16(16384, -16384), 0); len(out) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(out))
	}
}

func TestPcmToFloat32Mono_Stereo(t *testing.T) {
	// L=16384 R=0 → 0.25; L=-32768 R=-32768 → -1.0
	out := pcmToFloat32Mono(le16(16384, 0, -32768, -32768), 2)
	if len(out) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(out))
	}
	if math.Abs(float64(out[0]-0.25)) > 1e-6 {
		t.Errorf("frame 0 = %f; want 0.25", out[0])
	}
	if math.Abs(float64(out[1]+1.0)) > 1e-6 {
		t.Errorf("frame 1 = %f; want -1.0", out[1])
	}
}

func TestPcmToFloat32Mono_StereoPartialFrame(t *testing.T) {
	// One full frame plus a lone left sample.
	if out := pcmToFloat32Mono(le16(1, 2, 3), 2); len(out) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(out))
	}
}

func TestWavToMono(t *testing.T) {
	wav := audio.EncodeWAV(le16(16384, 16384, 0, 0), 16000, 2)
	out, err := wavToMono(wav)
	if err != nil {
		t.Fatalf("wavToMono: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(out))
	}
	if math.Abs(float64(out[0]-0.5)) > 1e-6 || out[1] != 0 {
		t.Errorf("samples = %v; want [0.5 0]", out)
	}
}

func TestWavToMono_InvalidHeader(t *testing.T) {
	_, err := wavToMono([]byte("definitely not a wav file, just some bytes here"))
	if !errors.Is(err, audio.ErrInvalidWAV) {
		t.Fatalf("err = %v; want ErrInvalidWAV", err)
	}
}

func TestWavToMono_TruncatedPayload(t *testing.T) {
	wav := audio.EncodeWAV(le16(1, 2, 3, 4), 16000, 1)
	out, err := wavToMono(wav[:len(wav)-4])
	if err != nil {
		t.Fatalf("wavToMono: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 samples from truncated payload, got %d", len(out))
	}
}
