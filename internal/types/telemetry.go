package types

import (
	"strings"
	"time"
)

// Printer job states as reported by the printer API. Marlin sources map their
// SD-print status onto the same values.
const (
	StateIdle     = "IDLE"
	StatePrinting = "PRINTING"
	StatePaused   = "PAUSED"
	StateFinished = "FINISHED"
	StateError    = "ERROR"
	StateCanceled = "CANCELED"
	StateStopped  = "STOPPED"
)

// Sample is one timestamped snapshot of printer state. Samples are values and
// are never modified once a source has produced them.
type Sample struct {
	// Time is the wall-clock instant the sample was taken
	Time time.Time `gorm:"column:time" json:"time"`
	// Elapsed is the offset from the start of the recording, which is the
	// timestamp used to seek into the video
	Elapsed      time.Duration `gorm:"column:elapsed" json:"elapsed"`
	Session      string        `gorm:"column:session" json:"session,omitempty"`
	State        string        `gorm:"column:state" json:"state"`
	Z            float64       `gorm:"column:z" json:"z"`
	BedTemp      float64       `gorm:"column:bed_temp" json:"bed_temp"`
	BedTarget    float64       `gorm:"column:bed_target" json:"bed_target"`
	NozzleTemp   float64       `gorm:"column:nozzle_temp" json:"nozzle_temp"`
	NozzleTarget float64       `gorm:"column:nozzle_target" json:"nozzle_target"`
	JobActive    bool          `gorm:"column:job_active" json:"job_active"`
}

// TableName implements the GORM Tabler interface for the Sample struct
func (Sample) TableName() string {
	return "print_samples"
}

// IsTerminalState reports whether a printer state ends the job.
func IsTerminalState(state string) bool {
	switch strings.ToUpper(state) {
	case StateFinished, StateError, StateCanceled, StateStopped:
		return true
	}
	return false
}

// IsActiveState reports whether a printer state means a job is running.
func IsActiveState(state string) bool {
	return strings.ToUpper(state) == StatePrinting
}

// Layer is one Z-height plateau of the print. Capture is the first offset at
// which the height was confirmed stable; Candidates holds every offset of the
// run, in order, starting with Capture.
type Layer struct {
	Index      int             `json:"index"`
	Z          float64         `json:"z"`
	Capture    time.Duration   `json:"capture"`
	Candidates []time.Duration `json:"candidates"`
}

// ExtractedFrame is the result of one extraction attempt for a layer. A later
// attempt for the same layer supersedes it.
type ExtractedFrame struct {
	LayerIndex int           `json:"layer_index"`
	Source     time.Duration `json:"source"`
	Path       string        `json:"path"`
	Size       int64         `json:"size"`
	Err        error         `json:"-"`
}

// Produced reports whether the extraction wrote an image file.
func (f ExtractedFrame) Produced() bool {
	return f.Err == nil && f.Path != ""
}
