package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chrissnell/layerlapse/internal/constants"
	"github.com/chrissnell/layerlapse/internal/detector"
	"github.com/chrissnell/layerlapse/internal/printer"
	"github.com/chrissnell/layerlapse/internal/sessionlog"
	"github.com/chrissnell/layerlapse/internal/types"
	"github.com/chrissnell/layerlapse/pkg/config"
	"go.uber.org/zap"
)

var recordingStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakePrinter replays scripted jobs and samples, repeating the last of each
// once the script runs out
type fakePrinter struct {
	mu      sync.Mutex
	jobs    []printer.JobInfo
	samples []types.Sample
	pollErr map[int]error
	polls   int
}

func (p *fakePrinter) Job(ctx context.Context) (printer.JobInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job := p.jobs[0]
	if len(p.jobs) > 1 {
		p.jobs = p.jobs[1:]
	}
	return job, nil
}

func (p *fakePrinter) Poll(ctx context.Context) (types.Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.polls
	p.polls++
	if err := p.pollErr[n]; err != nil {
		return types.Sample{}, err
	}
	s := p.samples[0]
	if len(p.samples) > 1 {
		p.samples = p.samples[1:]
	}
	return s, nil
}

func (p *fakePrinter) Close() error { return nil }

type fakeRecorder struct {
	output   string
	started  bool
	stopped  int
	done     chan struct{}
	startErr error
}

func (r *fakeRecorder) Start() error {
	if r.startErr != nil {
		return r.startErr
	}
	r.started = true
	return nil
}

func (r *fakeRecorder) StartedAt() time.Time  { return recordingStart }
func (r *fakeRecorder) Done() <-chan struct{} { return r.done }

func (r *fakeRecorder) Stop(grace time.Duration) error {
	r.stopped++
	return nil
}

type memoryStore struct {
	mu      sync.Mutex
	samples []types.Sample
}

func (s *memoryStore) Store(ctx context.Context, sample types.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

func testConfig(t *testing.T) *config.ConfigData {
	cfg := &config.ConfigData{SessionsDir: t.TempDir()}
	cfg.ApplyDefaults()
	cfg.Printer.PollInterval = time.Millisecond
	return cfg
}

func newTestMonitor(t *testing.T, p *fakePrinter, store SampleStore) (*Monitor, *fakeRecorder) {
	t.Helper()
	cfg := testConfig(t)
	m := New(cfg, p, store, nil, zap.NewNop().Sugar())
	m.JobPollInterval = time.Millisecond
	m.StopGrace = time.Second
	m.now = func() time.Time { return time.Unix(1714564800, 0) }

	rec := &fakeRecorder{done: make(chan struct{})}
	m.newRecorder = func(output string) Recorder {
		rec.output = output
		return rec
	}
	return m, rec
}

func printing(offset time.Duration, z float64) types.Sample {
	return types.Sample{
		Time:         recordingStart.Add(offset),
		State:        types.StatePrinting,
		Z:            z,
		BedTemp:      60,
		BedTarget:    60,
		NozzleTemp:   215,
		NozzleTarget: 215,
		JobActive:    true,
	}
}

func TestSessionName(t *testing.T) {
	now := time.Unix(1714564800, 0)
	tests := []struct {
		in   string
		want string
	}{
		{"benchy 0.2mm.gcode", "benchy_0_2mm_gcode"},
		{"  part.bgcode ", "part_bgcode"},
		{"dir/part", "dir_part"},
		{"", "print_session_1714564800"},
	}
	for _, tt := range tests {
		if got := SessionName(tt.in, now); got != tt.want {
			t.Errorf("SessionName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRunSession(t *testing.T) {
	heating := printing(-30*time.Second, 15)
	heating.BedTemp = 30
	heating.NozzleTarget = 170

	finished := printing(4*time.Second, 20.4)
	finished.State = types.StateFinished
	finished.JobActive = false

	p := &fakePrinter{
		jobs: []printer.JobInfo{
			{State: types.StateIdle},
			{State: types.StatePrinting, DisplayName: "benchy 0.2mm.gcode"},
		},
		samples: []types.Sample{
			heating,
			printing(-time.Second, 5),
			printing(time.Second, 0.2),
			printing(2*time.Second, 0.2),
			printing(3*time.Second, 0.4),
			finished,
		},
		// one transient failure while logging
		pollErr: map[int]error{3: errors.New("connection reset")},
	}
	store := &memoryStore{}
	m, rec := newTestMonitor(t, p, store)

	sess, err := m.RunSession(context.Background())
	if err != nil {
		t.Fatalf("RunSession() error = %v", err)
	}

	if sess.Name != "benchy_0_2mm_gcode" {
		t.Errorf("session name = %q", sess.Name)
	}
	if sess.Trigger.Z != 5 {
		t.Errorf("trigger sample Z = %v, want 5", sess.Trigger.Z)
	}
	if sess.EndState != types.StateFinished || sess.Samples != 4 {
		t.Errorf("session = %+v, want 4 samples ending FINISHED", sess)
	}
	if !rec.started || rec.stopped != 1 {
		t.Errorf("recorder started=%v stopped=%d, want started once and stopped once", rec.started, rec.stopped)
	}
	if want := filepath.Join(sess.Dir, constants.RecordingFile); rec.output != want {
		t.Errorf("recording output = %q, want %q", rec.output, want)
	}

	logged, err := sessionlog.ReadFile(filepath.Join(sess.Dir, constants.LogFile), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	wantElapsed := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}
	if len(logged) != len(wantElapsed) {
		t.Fatalf("logged %d samples, want %d", len(logged), len(wantElapsed))
	}
	for i, s := range logged {
		if s.Elapsed != wantElapsed[i] {
			t.Errorf("sample %d Elapsed = %v, want %v", i, s.Elapsed, wantElapsed[i])
		}
	}
	if logged[3].State != types.StateFinished {
		t.Errorf("last logged state = %s, want FINISHED", logged[3].State)
	}

	if len(store.samples) != 4 || store.samples[0].Session != sess.Name {
		t.Errorf("store received %d samples (%+v), want 4 tagged with the session", len(store.samples), store.samples)
	}

	st := m.Status()
	if st.State != StateStopped || st.Samples != 4 || st.Session != sess.Name {
		t.Errorf("Status() = %+v", st)
	}
}

func TestRunSessionRepeatedJobName(t *testing.T) {
	// one print: trigger, two layers, then FINISHED
	script := func() []types.Sample {
		finished := printing(3*time.Second, 0.4)
		finished.State = types.StateFinished
		finished.JobActive = false
		return []types.Sample{
			printing(-time.Second, 5),
			printing(time.Second, 0.2),
			printing(2*time.Second, 0.4),
			finished,
		}
	}

	p := &fakePrinter{
		jobs:    []printer.JobInfo{{State: types.StatePrinting, DisplayName: "benchy.gcode"}},
		samples: script(),
	}
	m, rec := newTestMonitor(t, p, nil)

	wantNames := []string{"benchy_gcode", "benchy_gcode_1714564800", "benchy_gcode_1714564800_2"}
	for i, want := range wantNames {
		p.mu.Lock()
		p.samples = script()
		p.mu.Unlock()

		sess, err := m.RunSession(context.Background())
		if err != nil {
			t.Fatalf("session %d: RunSession() error = %v", i, err)
		}
		if sess.Name != want || sess.Dir != filepath.Join(m.cfg.SessionsDir, want) {
			t.Errorf("session %d: name %q dir %q, want %q", i, sess.Name, sess.Dir, want)
		}
		if wantOut := filepath.Join(sess.Dir, constants.RecordingFile); rec.output != wantOut {
			t.Errorf("session %d: recording output = %q, want %q", i, rec.output, wantOut)
		}

		logged, err := sessionlog.ReadFile(filepath.Join(sess.Dir, constants.LogFile), zap.NewNop().Sugar())
		if err != nil {
			t.Fatalf("session %d: ReadFile() error = %v", i, err)
		}
		if len(logged) != 3 || logged[0].Elapsed != time.Second {
			t.Errorf("session %d: logged %+v, want 3 samples starting at 1s", i, logged)
		}
	}
}

func TestClaimSessionDirReusesEmptyDir(t *testing.T) {
	p := &fakePrinter{
		jobs:    []printer.JobInfo{{State: types.StatePrinting, DisplayName: "part"}},
		samples: []types.Sample{printing(time.Second, 0.2)},
	}
	m, _ := newTestMonitor(t, p, nil)

	// left behind by a job that ended before its print started
	if err := os.MkdirAll(filepath.Join(m.cfg.SessionsDir, "part"), 0o755); err != nil {
		t.Fatal(err)
	}
	name, dir, err := m.claimSessionDir("part")
	if err != nil {
		t.Fatalf("claimSessionDir() error = %v", err)
	}
	if name != "part" || dir != filepath.Join(m.cfg.SessionsDir, "part") {
		t.Errorf("claimSessionDir() = %q, %q, want the existing empty directory", name, dir)
	}
}

func TestRunSessionJobEndsBeforeStart(t *testing.T) {
	aborted := printing(0, 15)
	aborted.State = types.StateError
	aborted.JobActive = false

	p := &fakePrinter{
		jobs:    []printer.JobInfo{{State: types.StatePrinting}},
		samples: []types.Sample{aborted},
	}
	m, rec := newTestMonitor(t, p, nil)

	sess, err := m.RunSession(context.Background())
	if !errors.Is(err, detector.ErrJobEnded) {
		t.Fatalf("RunSession() error = %v, want ErrJobEnded", err)
	}
	if rec.started {
		t.Error("recorder started for a job that never began")
	}
	if sess == nil || sess.Name != "print_session_1714564800" {
		t.Errorf("session = %+v, want fallback name", sess)
	}
	if _, err := os.Stat(filepath.Join(sess.Dir, constants.LogFile)); !os.IsNotExist(err) {
		t.Errorf("session log exists for a job that never began (stat error = %v)", err)
	}
}

func TestRunSessionCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &fakePrinter{
		jobs:    []printer.JobInfo{{State: types.StatePrinting, DisplayName: "part"}},
		samples: []types.Sample{printing(time.Second, 0.2)},
	}
	m, rec := newTestMonitor(t, p, nil)

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for m.Status().Samples < 3 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	sess, err := m.RunSession(ctx)
	if err != nil {
		t.Fatalf("RunSession() error = %v", err)
	}
	if rec.stopped != 1 {
		t.Errorf("recorder stopped %d times, want 1", rec.stopped)
	}
	if sess.Samples < 3 || sess.EndState != "" {
		t.Errorf("session = %+v, want at least 3 samples and no end state", sess)
	}
}

func TestRunSessionRecorderFails(t *testing.T) {
	p := &fakePrinter{
		jobs:    []printer.JobInfo{{State: types.StatePrinting, DisplayName: "part"}},
		samples: []types.Sample{printing(time.Second, 0.2)},
	}
	m, rec := newTestMonitor(t, p, nil)
	rec.startErr = errors.New("ffmpeg.rtsp-stream-url is not configured")

	if _, err := m.RunSession(context.Background()); err == nil {
		t.Fatal("RunSession() error = nil, want recorder start failure")
	}
	if st := m.Status(); st.State != StateStopped {
		t.Errorf("Status().State = %s, want stopped", st.State)
	}
}

func TestRunSessionWaitingStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cold := printing(0, 0.2)
	cold.BedTemp = 20

	p := &fakePrinter{
		jobs:    []printer.JobInfo{{State: types.StatePrinting, DisplayName: "part"}},
		samples: []types.Sample{cold},
	}
	m, _ := newTestMonitor(t, p, nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.RunSession(ctx)
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		st := m.Status()
		if st.State == StateWaiting && st.Conditions != nil {
			if st.Conditions.BedOK || !st.Conditions.ZOK {
				t.Errorf("Conditions = %+v, want bed waiting and Z ok", *st.Conditions)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("monitor never reported waiting conditions: %+v", st)
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("RunSession() error = %v, want context.Canceled", err)
	}
}
