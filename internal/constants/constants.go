// Package constants defines application-wide constants and version information.
package constants

import "runtime"

// Version holds the application version information
const Version = "1.0-" + runtime.GOOS + "/" + runtime.GOARCH

// Fixed print-start thresholds. These are not configurable.
const (
	// MinPrintNozzleTarget is the lowest nozzle target that counts as a real
	// print rather than the standby temperature used while probing the bed
	MinPrintNozzleTarget = 190.0

	// StartTolerance is subtracted from the bed and nozzle targets when
	// checking whether the actual temperatures have arrived
	StartTolerance = 2.0
)

// Session directory layout
const (
	RecordingFile   = "print_recording.mp4"
	LogFile         = "print_log.csv"
	FrameDir        = "extracted_frames"
	ManifestFile    = "manifest.db"
	FramePattern    = "frame_Z_%06d.png"
	TimelapseSuffix = "_timelapse.mp4"

	// HoldLastFrameSeconds is how long the final frame is held at the end of the timelapse
	HoldLastFrameSeconds = 5
)
