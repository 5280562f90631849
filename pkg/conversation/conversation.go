// Package conversation implements the Conversation Store: persistence of
// users, conversations, and audios, the conversation status machine, and
// the admission checks that gate conversation creation and audio upload.
package conversation

import (
	"time"
)

// Mode is the conversation mode requested by the client.
type Mode string

const (
	ModeVent     Mode = "vent"
	ModeCoach    Mode = "coach"
	ModeMediator Mode = "mediator"
)

// RecordingType determines how many audios a conversation admits.
type RecordingType string

const (
	RecordingSeparate RecordingType = "separate"
	RecordingLive     RecordingType = "live"
)

// maxAudiosFor returns the maximum number of audios a conversation of the
// given recording type may hold.
func maxAudiosFor(rt RecordingType) int {
	if rt == RecordingLive {
		return 1
	}
	return 2
}

// Status is a conversation's lifecycle state.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// validTransitions enumerates the only moves the status machine permits.
// Anything not listed here — including any move out of a terminal
// state — is rejected.
var validTransitions = map[Status][]Status{
	StatusWaiting:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether moving from `from` to `to` is a valid,
// non-backward conversation status transition. Terminal states
// (completed, failed) admit no further transitions.
func CanTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AudioStatus is an audio's lifecycle state.
type AudioStatus string

const (
	AudioUploaded    AudioStatus = "uploaded"
	AudioTranscribing AudioStatus = "transcribing"
	AudioTranscribed AudioStatus = "transcribed"
	AudioFailed      AudioStatus = "failed"
)

// User is the User entity.
type User struct {
	ID                   string
	Email                string
	Name                 *string
	ExternalAccountToken *string
	IsPayingSubscriber   bool
	Locked               bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Conversation is the Conversation entity.
type Conversation struct {
	ID            string
	UserID        string
	Mode          Mode
	RecordingType RecordingType
	Status        Status
	Transcript    *string
	Analysis      *string
	ErrorMessage  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Audio is the Audio entity.
type Audio struct {
	ID             int64
	ConversationID string
	UserID         string
	AudioKey       string
	FilePath       *string
	Transcript     *string
	Status         AudioStatus
	ErrorMessage   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
