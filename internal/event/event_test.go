package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeString(t *testing.T) {
	tests := []struct {
		want string
		typ  Type
	}{
		{want: "SourceStarted", typ: SourceStarted},
		{want: "SourceCompleted", typ: SourceCompleted},
		{want: "SourceSkipped", typ: SourceSkipped},
		{want: "SourceFailed", typ: SourceFailed},
		{want: "ChunkWritten", typ: ChunkWritten},
		{want: "Progress", typ: Progress},
		{want: "RestoreStarted", typ: RestoreStarted},
		{want: "RestoreCompleted", typ: RestoreCompleted},
		{want: "RestoreFailed", typ: RestoreFailed},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.String())
		})
	}
}

func TestTypeStringUnknown(t *testing.T) {
	assert.Equal(t, "Unknown", Type(999).String())
	assert.Equal(t, "Unknown", Type(0).String())
}

func TestEventZeroValue(t *testing.T) {
	var e Event
	assert.Equal(t, Type(0), e.Type)
	assert.True(t, e.Timestamp.IsZero())
	assert.Empty(t, e.Name)
	assert.Empty(t, e.Path)
	assert.Zero(t, e.Bytes)
	assert.Zero(t, e.Chunk)
	require.NoError(t, e.Error)
}

func TestEventFields(t *testing.T) {
	now := time.Now()
	e := Event{
		Type:      ChunkWritten,
		Timestamp: now,
		Name:      "home",
		Path:      "home.tar.part_00003",
		Bytes:     1024,
		Chunk:     3,
	}
	assert.Equal(t, ChunkWritten, e.Type)
	assert.Equal(t, now, e.Timestamp)
	assert.Equal(t, "home", e.Name)
	assert.Equal(t, "home.tar.part_00003", e.Path)
	assert.Equal(t, int64(1024), e.Bytes)
	assert.Equal(t, 3, e.Chunk)
}
