package types

import (
	"fmt"
	"strings"
)

// State is the fine-grained lifecycle state reported by the upstream
// session for a work item.
type State string

// Lifecycle states.
const (
	StateUnknown             State = "unknown"
	StateError               State = "error"
	StateMissingFiles        State = "missing_files"
	StateUploading           State = "uploading"
	StatePausedUploading     State = "paused_uploading"
	StateQueuedUploading     State = "queued_uploading"
	StateStalledUploading    State = "stalled_uploading"
	StateCheckingUploading   State = "checking_uploading"
	StateForcedUploading     State = "forced_uploading"
	StateAllocating          State = "allocating"
	StateDownloading         State = "downloading"
	StateDownloadingMetadata State = "downloading_metadata"
	StatePausedDownloading   State = "paused_downloading"
	StateQueuedDownloading   State = "queued_downloading"
	StateStalledDownloading  State = "stalled_downloading"
	StateCheckingDownloading State = "checking_downloading"
	StateForcedDownloading   State = "forced_downloading"
	StateCheckingResumeData  State = "checking_resume_data"
	StateMoving              State = "moving"
)

// States lists every lifecycle state.
var States = []State{
	StateUnknown, StateError, StateMissingFiles,
	StateUploading, StatePausedUploading, StateQueuedUploading,
	StateStalledUploading, StateCheckingUploading, StateForcedUploading,
	StateAllocating, StateDownloading, StateDownloadingMetadata,
	StatePausedDownloading, StateQueuedDownloading, StateStalledDownloading,
	StateCheckingDownloading, StateForcedDownloading, StateCheckingResumeData,
	StateMoving,
}

// Status is the coarse persisted status. Values start at 1.
type Status int

// Persisted statuses.
const (
	StatusAllocating Status = iota + 1
	StatusChecking
	StatusCheckingResumeData
	StatusDownloading
	StatusError
	StatusFinished
	StatusForcedDownloading
	StatusMissingFiles
	StatusMoving
	StatusPaused
	StatusQueued
	StatusStalled
	StatusUnknown
)

var statusText = map[Status]string{
	StatusAllocating:         "Allocating",
	StatusChecking:           "Checking",
	StatusCheckingResumeData: "CheckingResumeData",
	StatusDownloading:        "Downloading",
	StatusError:              "Error",
	StatusFinished:           "Finished",
	StatusForcedDownloading:  "ForcedDownloading",
	StatusMissingFiles:       "MissingFiles",
	StatusMoving:             "Moving",
	StatusPaused:             "Paused",
	StatusQueued:             "Queued",
	StatusStalled:            "Stalled",
	StatusUnknown:            "Unknown",
}

// stateStatus maps every State to exactly one Status.
var stateStatus = map[State]Status{
	StateAllocating:          StatusAllocating,
	StateCheckingResumeData:  StatusCheckingResumeData,
	StateCheckingDownloading: StatusChecking,
	StateCheckingUploading:   StatusChecking,
	StateDownloading:         StatusDownloading,
	StateDownloadingMetadata: StatusDownloading,
	StateError:               StatusError,
	StateUploading:           StatusFinished,
	StateForcedUploading:     StatusFinished,
	StateStalledUploading:    StatusFinished,
	StateQueuedUploading:     StatusFinished,
	StatePausedUploading:     StatusFinished,
	StateForcedDownloading:   StatusForcedDownloading,
	StateMissingFiles:        StatusMissingFiles,
	StateMoving:              StatusMoving,
	StatePausedDownloading:   StatusPaused,
	StateQueuedDownloading:   StatusQueued,
	StateStalledDownloading:  StatusStalled,
	StateUnknown:             StatusUnknown,
}

// StatusFor returns the persisted status of a lifecycle state.
// Returns ErrUnmappedState for a state outside the table.
func StatusFor(s State) (Status, error) {
	st, ok := stateStatus[s]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnmappedState, string(s))
	}
	return st, nil
}

// Statuses returns every Status in ordinal order.
func Statuses() []Status {
	out := make([]Status, 0, len(statusText))
	for s := StatusAllocating; s <= StatusUnknown; s++ {
		out = append(out, s)
	}
	return out
}

// String returns the canonical text label stored in the status column.
func (s Status) String() string {
	if t, ok := statusText[s]; ok {
		return t
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Valid reports whether s is one of the persisted statuses.
func (s Status) Valid() bool {
	_, ok := statusText[s]
	return ok
}

// ParseStatus returns the Status whose text label is text.
func ParseStatus(text string) (Status, error) {
	for s, t := range statusText {
		if strings.EqualFold(t, text) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: status %q", ErrInvalidData, text)
}
