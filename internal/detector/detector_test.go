package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chrissnell/layerlapse/internal/types"
	"go.uber.org/zap"
)

var testThresholds = Thresholds{
	RequiredZCapturePos: 10.0,
	RequiredBedTemp:     50.0,
}

func readySample() types.Sample {
	return types.Sample{
		Z:            5.0,
		BedTemp:      51,
		BedTarget:    50,
		NozzleTemp:   209,
		NozzleTarget: 210,
		JobActive:    true,
		State:        types.StatePrinting,
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *types.Sample)
		want   bool
	}{
		{
			name:   "all conditions met",
			mutate: func(s *types.Sample) {},
			want:   true,
		},
		{
			name:   "nozzle target at probing temperature",
			mutate: func(s *types.Sample) { s.NozzleTarget = 150; s.NozzleTemp = 150 },
			want:   false,
		},
		{
			name:   "nozzle target exactly at floor",
			mutate: func(s *types.Sample) { s.NozzleTarget = 190; s.NozzleTemp = 188 },
			want:   true,
		},
		{
			name:   "z above capture position",
			mutate: func(s *types.Sample) { s.Z = 10.01 },
			want:   false,
		},
		{
			name:   "z exactly at capture position",
			mutate: func(s *types.Sample) { s.Z = 10.0 },
			want:   true,
		},
		{
			name:   "bed below target tolerance",
			mutate: func(s *types.Sample) { s.BedTarget = 60; s.BedTemp = 57.9 },
			want:   false,
		},
		{
			name:   "bed within tolerance of target",
			mutate: func(s *types.Sample) { s.BedTarget = 60; s.BedTemp = 58 },
			want:   true,
		},
		{
			name:   "bed at target but below required floor",
			mutate: func(s *types.Sample) { s.BedTarget = 45; s.BedTemp = 45 },
			want:   false,
		},
		{
			name:   "nozzle still heating",
			mutate: func(s *types.Sample) { s.NozzleTemp = 207.9 },
			want:   false,
		},
		{
			name:   "job not active",
			mutate: func(s *types.Sample) { s.JobActive = false },
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := readySample()
			tt.mutate(&s)
			if got := Ready(s, testThresholds); got != tt.want {
				t.Errorf("Ready(%+v) = %v, want %v (conditions %+v)", s, got, tt.want, Check(s, testThresholds))
			}
		})
	}
}

func TestDetectorFiresOnce(t *testing.T) {
	d := New(testThresholds, zap.NewNop().Sugar())

	notReady := readySample()
	notReady.NozzleTarget = 150

	if d.Observe(notReady) {
		t.Fatal("Observe(notReady) = true, want false")
	}
	if d.State() != Waiting {
		t.Fatalf("State() = %v, want waiting", d.State())
	}
	if _, ok := d.Trigger(); ok {
		t.Fatal("Trigger() ok = true before firing")
	}

	first := readySample()
	first.Elapsed = 3 * time.Second
	if !d.Observe(first) {
		t.Fatal("Observe(ready) = false, want true")
	}
	if d.State() != Started {
		t.Fatalf("State() = %v, want started", d.State())
	}

	second := readySample()
	second.Elapsed = 4 * time.Second
	if d.Observe(second) {
		t.Error("Observe() fired a second time")
	}

	trigger, ok := d.Trigger()
	if !ok || trigger.Elapsed != first.Elapsed {
		t.Errorf("Trigger() = %+v, %v; want first ready sample", trigger, ok)
	}
	if d.Last().Elapsed != second.Elapsed {
		t.Errorf("Last().Elapsed = %v, want %v", d.Last().Elapsed, second.Elapsed)
	}
}

type scriptedSource struct {
	mu    sync.Mutex
	steps []scriptStep
	calls int
}

type scriptStep struct {
	sample types.Sample
	err    error
}

func (s *scriptedSource) Poll(ctx context.Context) (types.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.steps) {
		<-ctx.Done()
		return types.Sample{}, ctx.Err()
	}
	step := s.steps[s.calls]
	s.calls++
	return step.sample, step.err
}

func TestWait(t *testing.T) {
	cold := readySample()
	cold.NozzleTemp = 25

	ready := readySample()
	ready.Elapsed = 42 * time.Second

	finished := readySample()
	finished.State = types.StateFinished
	finished.JobActive = false

	tests := []struct {
		name        string
		steps       []scriptStep
		wantErr     error
		wantElapsed time.Duration
		wantCalls   int
	}{
		{
			name: "fires after transient errors",
			steps: []scriptStep{
				{sample: cold},
				{err: errors.New("connection refused")},
				{sample: ready},
				{sample: readySample()},
			},
			wantElapsed: 42 * time.Second,
			wantCalls:   3,
		},
		{
			name: "job ends before start",
			steps: []scriptStep{
				{sample: cold},
				{sample: finished},
			},
			wantErr:   ErrJobEnded,
			wantCalls: 2,
		},
		{
			name:      "cancelled while waiting",
			steps:     []scriptStep{{sample: cold}},
			wantErr:   context.DeadlineExceeded,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()

			src := &scriptedSource{steps: tt.steps}
			d := New(testThresholds, zap.NewNop().Sugar())

			got, err := d.Wait(ctx, src, time.Millisecond)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Wait() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && got.Elapsed != tt.wantElapsed {
				t.Errorf("Wait() sample.Elapsed = %v, want %v", got.Elapsed, tt.wantElapsed)
			}
			if src.calls != tt.wantCalls {
				t.Errorf("source polled %d times, want %d", src.calls, tt.wantCalls)
			}
		})
	}
}
