package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/typefree/pkg/audio"
)

// FFmpeg captures from the platform's default input device by running
// ffmpeg and reading raw s16le PCM from its stdout.
type FFmpeg struct {
	// Path is the ffmpeg executable. Default: "ffmpeg" from PATH.
	Path string

	// InputFormat is the ffmpeg demuxer (avfoundation, dshow, pulse, alsa).
	// Default: chosen from runtime.GOOS.
	InputFormat string

	// Device is the ffmpeg input name. Default: chosen from runtime.GOOS.
	Device string

	// ChunkDuration sets the read size. Default: [DefaultChunkDuration].
	ChunkDuration time.Duration
}

// PlatformInput returns the ffmpeg demuxer and device used when none is
// configured for the given GOOS.
func PlatformInput(goos string) (format, device string) {
	switch goos {
	case "darwin":
		return "avfoundation", ":0"
	case "windows":
		return "dshow", "audio=Default"
	default:
		return "pulse", "default"
	}
}

func (f *FFmpeg) path() string {
	if f.Path == "" {
		return "ffmpeg"
	}
	return f.Path
}

func (f *FFmpeg) input() (string, string) {
	format, device := PlatformInput(runtime.GOOS)
	if f.InputFormat != "" {
		format = f.InputFormat
	}
	if f.Device != "" {
		device = f.Device
	}
	return format, device
}

// Args returns the ffmpeg command line (without the executable) that
// produces PCM in format af on stdout.
func (f *FFmpeg) Args(af audio.Format) []string {
	format, device := f.input()
	return []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-f", format,
		"-i", device,
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(af.SampleRate),
		"-ac", strconv.Itoa(af.Channels),
		"-f", "s16le",
		"pipe:1",
	}
}

// Open implements [Source].
func (f *FFmpeg) Open(ctx context.Context, af audio.Format) (Stream, error) {
	if err := af.Validate(); err != nil {
		return nil, fmt.Errorf("source: ffmpeg: %w", err)
	}

	cmd := exec.CommandContext(ctx, f.path(), f.Args(af)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("source: ffmpeg: stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("source: ffmpeg: start %s: %w", f.path(), err)
	}
	slog.Debug("ffmpeg capture started", "pid", cmd.Process.Pid, "format", af.String())

	s := &ffmpegStream{stream: newStream(), cmd: cmd}
	s.watch(ctx)
	go func() {
		readErr := s.pump(stdout, chunkBytes(af, f.ChunkDuration))
		waitErr := cmd.Wait()
		switch {
		case readErr != nil:
			s.finish(fmt.Errorf("source: ffmpeg: read: %w", readErr))
		case ctx.Err() != nil:
			s.finish(ctx.Err())
		case waitErr != nil:
			s.finish(fmt.Errorf("source: ffmpeg exited: %w: %s", waitErr, stderr.String()))
		default:
			s.finish(nil)
		}
	}()
	return s, nil
}

type ffmpegStream struct {
	*stream
	cmd *exec.Cmd
}

// Close kills the ffmpeg process and waits for the reader to drain.
func (s *ffmpegStream) Close() error {
	if s.markClosed() && s.cmd.Process != nil {
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.Debug("ffmpeg kill failed", "error", err)
		}
	}
	<-s.finished
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// Device is a capture device reported by ffmpeg.
type Device struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

var (
	avfoundationDevice = regexp.MustCompile(`\[(\d+)\]\s+(.+)`)
	dshowDevice        = regexp.MustCompile(`"(.+)"\s+\(audio\)`)
)

// ListDevices asks ffmpeg for the audio capture devices of the configured
// input format. Only avfoundation and dshow support enumeration; other
// formats return a single default device.
func (f *FFmpeg) ListDevices(ctx context.Context) ([]Device, error) {
	format, _ := f.input()
	if format != "avfoundation" && format != "dshow" {
		return []Device{{Index: 0, Name: "default"}}, nil
	}

	// ffmpeg exits non-zero after listing, so the exit status is ignored.
	out, _ := exec.CommandContext(ctx, f.path(),
		"-hide_banner", "-f", format, "-list_devices", "true", "-i", "").CombinedOutput()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	devices := ParseDeviceList(format, out)
	if len(devices) == 0 {
		return []Device{{Index: 0, Name: "default"}}, nil
	}
	return devices, nil
}

// ParseDeviceList extracts audio devices from ffmpeg -list_devices output.
func ParseDeviceList(format string, out []byte) []Device {
	var devices []Device
	audioSection := false
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		switch format {
		case "avfoundation":
			if strings.Contains(line, "AVFoundation audio devices") {
				audioSection = true
				continue
			}
			if strings.Contains(line, "video devices") && audioSection {
				return devices
			}
			if !audioSection || !strings.Contains(line, "[AVFoundation") {
				continue
			}
			// Skip the "[AVFoundation indev @ 0x...]" prefix before matching.
			if i := strings.Index(line, "]"); i >= 0 {
				line = line[i+1:]
			}
			if m := avfoundationDevice.FindStringSubmatch(line); m != nil {
				idx, _ := strconv.Atoi(m[1])
				devices = append(devices, Device{Index: idx, Name: strings.TrimSpace(m[2])})
			}
		case "dshow":
			if m := dshowDevice.FindStringSubmatch(line); m != nil {
				devices = append(devices, Device{Index: len(devices), Name: strings.TrimSpace(m[1])})
			}
		}
	}
	return devices
}
