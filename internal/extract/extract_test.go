package extract

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeRunner stands in for ffmpeg. For extraction calls it writes a file whose
// size is looked up by the -ss argument.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	sizes  map[string]int
	output []byte
	err    error

	// silent makes extraction calls exit cleanly without writing anything
	silent bool
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.err != nil {
		return f.output, f.err
	}
	if f.silent {
		return f.output, nil
	}

	for i := 0; i+1 < len(args); i++ {
		if args[i] != "-ss" {
			continue
		}
		size, ok := f.sizes[args[i+1]]
		if !ok {
			return []byte("seek past end of stream"), errors.New("exit status 1")
		}
		out := args[len(args)-1]
		if err := os.WriteFile(out, bytes.Repeat([]byte{0xff}, size), 0o644); err != nil {
			return nil, err
		}
	}
	return f.output, nil
}

func TestFFmpegExtract(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{sizes: map[string]int{"12.500": 2048}}
	ff := NewFFmpeg("ffmpeg", "/session/print_recording.mp4", runner, zap.NewNop().Sugar())

	out := filepath.Join(dir, "layer.png")
	frame, err := ff.Extract(context.Background(), 12500*time.Millisecond, out)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !frame.Produced() || frame.Size != 2048 || frame.Path != out {
		t.Errorf("Extract() = %+v, want produced 2048-byte frame at %s", frame, out)
	}
	if frame.Source != 12500*time.Millisecond {
		t.Errorf("frame.Source = %v, want 12.5s", frame.Source)
	}

	want := []string{"ffmpeg", "-y", "-ss", "12.500", "-i", "/session/print_recording.mp4",
		"-an", "-vframes", "1", "-q:v", "1", out}
	if !reflect.DeepEqual(runner.calls[0], want) {
		t.Errorf("command = %v, want %v", runner.calls[0], want)
	}
}

func TestFFmpegExtractFailure(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
		stale  bool
	}{
		{
			name:   "non-zero exit",
			runner: &fakeRunner{sizes: map[string]int{}},
			stale:  true,
		},
		{
			name:   "exit zero without output",
			runner: &fakeRunner{output: []byte("Output file is empty, nothing was encoded"), silent: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "layer.png")
			if tt.stale {
				if err := os.WriteFile(out, []byte("old"), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			ff := NewFFmpeg("ffmpeg", "video.mp4", tt.runner, zap.NewNop().Sugar())
			frame, err := ff.Extract(context.Background(), 3*time.Second, out)

			var extractErr *Error
			if !errors.As(err, &extractErr) {
				t.Fatalf("Extract() error = %v, want *Error", err)
			}
			if extractErr.At != 3*time.Second {
				t.Errorf("Error.At = %v, want 3s", extractErr.At)
			}
			if frame.Produced() {
				t.Errorf("frame.Produced() = true for failed extraction")
			}
			if _, err := os.Stat(out); !os.IsNotExist(err) {
				t.Errorf("stale output still present after failed extraction")
			}
		})
	}
}

func TestCheckFFmpeg(t *testing.T) {
	runner := &fakeRunner{output: []byte("ffmpeg version 6.1.1 Copyright (c) 2000-2023\nbuilt with gcc\n")}
	version, err := CheckFFmpeg(context.Background(), runner, "ffmpeg")
	if err != nil {
		t.Fatalf("CheckFFmpeg() error = %v", err)
	}
	if version != "ffmpeg version 6.1.1 Copyright (c) 2000-2023" {
		t.Errorf("CheckFFmpeg() = %q", version)
	}

	runner = &fakeRunner{err: errors.New("executable file not found in $PATH")}
	if _, err := CheckFFmpeg(context.Background(), runner, "ffmpeg"); err == nil {
		t.Error("CheckFFmpeg() error = nil, want error")
	}
}

func TestAssemblerStage(t *testing.T) {
	dir := t.TempDir()
	var sources []string
	for _, name := range []string{"layer_000000_try_00.png", "layer_000002_try_03.png", "layer_000003_try_00.png"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
		sources = append(sources, p)
	}

	a := NewAssembler("ffmpeg", 30, &fakeRunner{}, zap.NewNop().Sugar())
	staged, err := a.Stage(sources, dir)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	for i, p := range staged {
		wantName := []string{"frame_Z_000001.png", "frame_Z_000002.png", "frame_Z_000003.png"}[i]
		if filepath.Base(p) != wantName {
			t.Errorf("staged[%d] = %s, want %s", i, filepath.Base(p), wantName)
		}
		content, err := os.ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}
		if string(content) != filepath.Base(sources[i]) {
			t.Errorf("staged[%d] holds %q, want %q", i, content, filepath.Base(sources[i]))
		}
	}

	if _, err := a.Stage(nil, dir); !errors.Is(err, ErrNoFrames) {
		t.Errorf("Stage(nil) error = %v, want ErrNoFrames", err)
	}
}

func TestAssemblerAssemble(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	a := NewAssembler("/usr/bin/ffmpeg", 24, runner, zap.NewNop().Sugar())

	if err := a.Assemble(context.Background(), dir, "out.mp4"); !errors.Is(err, ErrNoFrames) {
		t.Fatalf("Assemble(empty) error = %v, want ErrNoFrames", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "frame_Z_000001.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := a.Assemble(context.Background(), dir, "benchy_timelapse.mp4"); err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	want := []string{"/usr/bin/ffmpeg", "-y", "-framerate", "24",
		"-i", filepath.Join(dir, "frame_Z_%06d.png"),
		"-vf", "tpad=stop_mode=clone:stop_duration=5",
		"-c:v", "libx264", "-pix_fmt", "yuv420p", "-movflags", "+faststart",
		"benchy_timelapse.mp4"}
	if len(runner.calls) != 1 || !reflect.DeepEqual(runner.calls[0], want) {
		t.Errorf("commands = %v, want [%v]", runner.calls, want)
	}

	runner.err = errors.New("exit status 1")
	if err := a.Assemble(context.Background(), dir, "benchy_timelapse.mp4"); err == nil {
		t.Error("Assemble() error = nil after ffmpeg failure")
	}
}
