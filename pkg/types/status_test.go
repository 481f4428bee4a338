package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusForIsTotal(t *testing.T) {
	for _, s := range States {
		t.Run(string(s), func(t *testing.T) {
			st, err := StatusFor(s)
			require.NoError(t, err)
			assert.True(t, st.Valid())

			again, err := StatusFor(s)
			require.NoError(t, err)
			assert.Equal(t, st, again, "mapping must be stable")
		})
	}
}

func TestStatusForCollapsesUploadingFamily(t *testing.T) {
	for _, s := range []State{
		StateUploading, StateForcedUploading, StateStalledUploading,
		StateQueuedUploading, StatePausedUploading,
	} {
		st, err := StatusFor(s)
		require.NoError(t, err)
		assert.Equal(t, StatusFinished, st, "state %s", s)
	}
}

func TestStatusForTable(t *testing.T) {
	tests := []struct {
		state State
		want  Status
	}{
		{StateAllocating, StatusAllocating},
		{StateCheckingDownloading, StatusChecking},
		{StateCheckingUploading, StatusChecking},
		{StateCheckingResumeData, StatusCheckingResumeData},
		{StateDownloading, StatusDownloading},
		{StateDownloadingMetadata, StatusDownloading},
		{StateError, StatusError},
		{StateForcedDownloading, StatusForcedDownloading},
		{StateMissingFiles, StatusMissingFiles},
		{StateMoving, StatusMoving},
		{StatePausedDownloading, StatusPaused},
		{StateQueuedDownloading, StatusQueued},
		{StateStalledDownloading, StatusStalled},
		{StateUnknown, StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			got, err := StatusFor(tt.state)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusForUnmappedState(t *testing.T) {
	_, err := StatusFor(State("seeding_to_the_moon"))
	assert.ErrorIs(t, err, ErrUnmappedState)
}

func TestStatusOrdinalsAndText(t *testing.T) {
	all := Statuses()
	require.Len(t, all, 13)
	assert.Equal(t, 1, int(all[0]))
	assert.Equal(t, 13, int(all[len(all)-1]))
	assert.Equal(t, "Allocating", StatusAllocating.String())
	assert.Equal(t, "Unknown", StatusUnknown.String())
	assert.False(t, Status(0).Valid())

	for _, s := range all {
		parsed, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseStatus("Seeding")
	assert.ErrorIs(t, err, ErrInvalidData)
}
