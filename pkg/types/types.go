// Package types defines the shared types used across parley packages.
//
// These types form the lingua franca between providers, the conversation
// engine and the history store. Each package defines its own domain types;
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Transcript is a speech-to-text result for one utterance.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Language is the detected or requested BCP-47 language tag.
	Language string

	// Words contains per-word detail when available.
	Words []WordDetail

	// Duration is the length of the transcribed audio.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Conversation roles used in [Message.Role] and [TranscriptEntry.Role].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single message in an LLM conversation history.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string
}

// TranscriptEntry is one side of a conversation turn as written to the
// history store.
type TranscriptEntry struct {
	// SessionID groups entries of one engine run.
	SessionID string

	// TurnID is the conversation turn the entry belongs to.
	TurnID uint64

	// Role is [RoleUser] for transcribed speech, [RoleAssistant] for replies.
	Role string

	// Text is the (possibly corrected) text.
	Text string

	// RawText is the original uncorrected STT output. Empty for replies.
	RawText string

	// Interrupted is set on assistant entries whose playback was cut short by
	// barge-in.
	Interrupted bool

	// Timestamp is when this entry was recorded.
	Timestamp time.Time

	// Duration is the length of the spoken audio.
	Duration time.Duration
}

// VoiceProfile describes a TTS voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// KeywordBoost is a vocabulary hint for speech recognition.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// Keywords returns the plain keyword strings of boosts.
func Keywords(boosts []KeywordBoost) []string {
	out := make([]string, 0, len(boosts))
	for _, b := range boosts {
		out = append(out, b.Keyword)
	}
	return out
}
