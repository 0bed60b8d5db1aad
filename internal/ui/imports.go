package ui

import "github.com/tarshard/tarshard/internal/event"

// Event aliases the pipeline event type for presenter signatures.
type Event = event.Event

// Re-export event types for convenience.
const (
	SourceStarted    = event.SourceStarted
	SourceCompleted  = event.SourceCompleted
	SourceSkipped    = event.SourceSkipped
	SourceFailed     = event.SourceFailed
	ChunkWritten     = event.ChunkWritten
	Progress         = event.Progress
	RestoreStarted   = event.RestoreStarted
	RestoreCompleted = event.RestoreCompleted
	RestoreFailed    = event.RestoreFailed
)
