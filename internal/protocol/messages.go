package protocol

import "time"

// AudioFragmentReady announces that a synthesized fragment was appended to a
// request's audio cache entry.
type AudioFragmentReady struct {
	RequestID  string    `json:"request_id"`
	Sequence   int       `json:"sequence"`
	Bytes      int       `json:"bytes"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// AudioComplete announces that no more fragments will be appended.
type AudioComplete struct {
	RequestID string    `json:"request_id"`
	Fragments int       `json:"fragments"`
	Outcome   string    `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFragment = "narrator.audio.fragment"
	SubjectAudioComplete = "narrator.audio.complete"
)

// Completion outcomes.
const (
	OutcomeCompleted     = "completed"
	OutcomeProducerError = "producer_error"
	OutcomeVoiceMissing  = "voice_missing"
	OutcomeCancelled     = "cancelled"
	OutcomeDisabled      = "synthesis_disabled"
)

const SubjectSpeakRequest = "narrator.speak.request"

// SpeakRequest asks for whole-text synthesis over the bus. The reply is a
// SpeakReply sent to the request's reply subject.
type SpeakRequest struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
	VoiceID   string `json:"voice_id,omitempty"`
}

type SpeakReply struct {
	RequestID   string   `json:"request_id"`
	AudioChunks []string `json:"audio_chunks"`
	Error       string   `json:"error,omitempty"`
}
