package printer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chrissnell/layerlapse/internal/types"
	"github.com/chrissnell/layerlapse/pkg/config"
	"go.uber.org/zap"
)

var testCapture = config.CaptureData{
	RequiredZCapturePos: 10,
	RequiredBedTemp:     50,
	RequiredNozzleTemp:  220,
}

func newPrusaLinkServer(t *testing.T, status, job string, jobCode int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, status)
	})
	mux.HandleFunc("/api/v1/job", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(jobCode)
		io.WriteString(w, job)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestPrusaLink(t *testing.T, srv *httptest.Server, key string) *PrusaLink {
	t.Helper()
	p, err := NewPrusaLink(config.PrinterData{
		APIURL:    srv.URL + "/api/v1/status",
		JobAPIURL: srv.URL + "/api/v1/job",
		APIKey:    key,
	}, testCapture, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewPrusaLink() error = %v", err)
	}
	return p
}

func TestPrusaLinkPoll(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   types.Sample
	}{
		{
			name:   "printing with targets",
			status: `{"printer":{"axis_z":0.2,"temp_bed":60.1,"target_bed":60,"temp_nozzle":214.8,"target_nozzle":215,"state":"PRINTING"}}`,
			want:   types.Sample{State: "PRINTING", Z: 0.2, BedTemp: 60.1, BedTarget: 60, NozzleTemp: 214.8, NozzleTarget: 215, JobActive: true},
		},
		{
			name:   "targets not yet set fall back to configured values",
			status: `{"printer":{"axis_z":5,"temp_bed":22,"target_bed":0,"temp_nozzle":25,"state":"printing"}}`,
			want:   types.Sample{State: "PRINTING", Z: 5, BedTemp: 22, BedTarget: 50, NozzleTemp: 25, NozzleTarget: 220, JobActive: true},
		},
		{
			name:   "missing z position",
			status: `{"printer":{"temp_bed":60,"target_bed":60,"temp_nozzle":215,"target_nozzle":215,"state":"IDLE"}}`,
			want:   types.Sample{State: "IDLE", Z: unknownZ, BedTemp: 60, BedTarget: 60, NozzleTemp: 215, NozzleTarget: 215},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newPrusaLinkServer(t, tt.status, "", http.StatusNoContent)
			p := newTestPrusaLink(t, srv, "secret")

			got, err := p.Poll(context.Background())
			if err != nil {
				t.Fatalf("Poll() error = %v", err)
			}
			if got.Time.IsZero() {
				t.Error("Poll() sample has no wall-clock time")
			}
			got.Time = time.Time{}
			if got != tt.want {
				t.Errorf("Poll() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPrusaLinkErrors(t *testing.T) {
	srv := newPrusaLinkServer(t, `{"printer":`, "", http.StatusNoContent)

	if _, err := newTestPrusaLink(t, srv, "wrong").Poll(context.Background()); err == nil {
		t.Error("Poll() with bad API key: error = nil, want error")
	}
	if _, err := newTestPrusaLink(t, srv, "secret").Poll(context.Background()); err == nil {
		t.Error("Poll() with truncated JSON: error = nil, want error")
	}

	if _, err := NewPrusaLink(config.PrinterData{}, testCapture, zap.NewNop().Sugar()); err == nil {
		t.Error("NewPrusaLink() without URLs: error = nil, want error")
	}
}

func TestPrusaLinkJob(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
		want JobInfo
	}{
		{
			name: "printing job",
			body: `{"id":12,"state":"PRINTING","file":{"name":"BENCHY~1.GCO","display_name":"benchy 0.2mm.gcode"}}`,
			code: http.StatusOK,
			want: JobInfo{State: "PRINTING", DisplayName: "benchy 0.2mm.gcode"},
		},
		{
			name: "no display name",
			body: `{"state":"PAUSED","file":{"name":"part.gcode"}}`,
			code: http.StatusOK,
			want: JobInfo{State: "PAUSED", DisplayName: "part.gcode"},
		},
		{
			name: "no job",
			code: http.StatusNoContent,
			want: JobInfo{State: types.StateIdle},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newPrusaLinkServer(t, "{}", tt.body, tt.code)
			got, err := newTestPrusaLink(t, srv, "secret").Job(context.Background())
			if err != nil {
				t.Fatalf("Job() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Job() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// fakeSerial answers G-code commands written to it with canned replies
type fakeSerial struct {
	mu      sync.Mutex
	reader  *io.PipeReader
	writer  *io.PipeWriter
	replies map[string]string
	written []string
}

func newFakeSerial(replies map[string]string) *fakeSerial {
	r, w := io.Pipe()
	return &fakeSerial{reader: r, writer: w, replies: replies}
}

func (f *fakeSerial) Read(p []byte) (int, error) {
	return f.reader.Read(p)
}

func (f *fakeSerial) Write(p []byte) (int, error) {
	cmd := strings.TrimSpace(string(p))
	f.mu.Lock()
	f.written = append(f.written, cmd)
	reply := f.replies[cmd]
	f.mu.Unlock()

	if reply != "" {
		go f.writer.Write([]byte(reply))
	}
	return len(p), nil
}

func (f *fakeSerial) Close() error {
	return f.writer.Close()
}

func (f *fakeSerial) setReply(cmd, reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[cmd] = reply
}

func TestMarlinPoll(t *testing.T) {
	port := newFakeSerial(map[string]string{
		"M105": "ok T:214.6 /215.0 B:59.8 /60.0 @:64 B@:0\n",
		"M114": "X:110.00 Y:95.50 Z:0.20 E:12.30 Count X:8800 Y:7640 Z:80\nok\n",
		"M27":  "echo:busy: processing\nSD printing byte 1200/58000\nok\n",
	})
	m := newMarlin(port, testCapture, time.Second, zap.NewNop().Sugar())
	defer m.Close()

	got, err := m.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	got.Time = time.Time{}
	want := types.Sample{State: "PRINTING", Z: 0.2, BedTemp: 59.8, BedTarget: 60, NozzleTemp: 214.6, NozzleTarget: 215, JobActive: true}
	if got != want {
		t.Errorf("Poll() = %+v, want %+v", got, want)
	}

	// Marlin reports an idle SD card once the print is done
	port.setReply("M27", "Not SD printing\nok\n")
	got, err = m.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if got.State != types.StateFinished || got.JobActive {
		t.Errorf("after print: State = %s JobActive = %v, want FINISHED inactive", got.State, got.JobActive)
	}
}

func TestMarlinJob(t *testing.T) {
	port := newFakeSerial(map[string]string{
		"M27":   "Not SD printing\nok\n",
		"M27 C": "Current file: BENCHY~1.GCO benchy.gcode\nok\n",
	})
	m := newMarlin(port, testCapture, time.Second, zap.NewNop().Sugar())
	defer m.Close()

	got, err := m.Job(context.Background())
	if err != nil {
		t.Fatalf("Job() error = %v", err)
	}
	want := JobInfo{State: types.StateIdle, DisplayName: "benchy.gcode"}
	if got != want {
		t.Errorf("Job() = %+v, want %+v", got, want)
	}
}

func TestMarlinTimeout(t *testing.T) {
	port := newFakeSerial(map[string]string{})
	m := newMarlin(port, testCapture, 20*time.Millisecond, zap.NewNop().Sugar())
	defer m.Close()

	if _, err := m.Poll(context.Background()); err == nil {
		t.Error("Poll() with silent printer: error = nil, want timeout")
	}
}

func TestCurrentFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{" BENCHY~1.GCO benchy.gcode", "benchy.gcode"},
		{" PART.GCO", "PART.GCO"},
		{" (no file)", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := currentFileName(tt.in); got != tt.want {
			t.Errorf("currentFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
