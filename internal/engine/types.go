// Package engine speaks the realtime speech-to-speech WebSocket protocol:
// session configuration, audio buffers, transcripts, and tool invocations.
package engine

import (
	"encoding/json"

	"github.com/recouphq/voiceagent/internal/tooling"
)

// Inbound event types the bridge reacts to.
const (
	EventSessionCreated         = "session.created"
	EventSessionUpdated         = "session.updated"
	EventAudioDelta             = "response.audio.delta"
	EventAudioTranscriptDelta   = "response.audio_transcript.delta"
	EventAudioTranscriptDone    = "response.audio_transcript.done"
	EventInputTranscriptionDone = "conversation.item.input_audio_transcription.completed"
	EventToolCallDone           = "response.function_call_arguments.done"
	EventResponseDone           = "response.done"
	EventSpeechStarted          = "input_audio_buffer.speech_started"
	EventError                  = "error"
)

// Event is one decoded inbound engine event. Only the fields relevant to the
// Type are populated.
type Event struct {
	Type string

	// AudioDelta is base64 output audio (EventAudioDelta).
	AudioDelta string
	// Transcript carries transcript text: incremental for
	// EventAudioTranscriptDelta, final for EventAudioTranscriptDone and
	// EventInputTranscriptionDone.
	Transcript string

	// Tool invocation fields (EventToolCallDone).
	ToolName   string
	ToolCallID string
	ToolArgs   string

	// ErrMessage is the engine's error description (EventError).
	ErrMessage string
}

// VADConfig tunes server-side voice activity detection.
type VADConfig struct {
	Threshold         float64 `yaml:"threshold" json:"threshold"`
	PrefixPaddingMS   int     `yaml:"prefix_padding_ms" json:"prefix_padding_ms"`
	SilenceDurationMS int     `yaml:"silence_duration_ms" json:"silence_duration_ms"`
}

// DefaultVAD returns the stock VAD tuning.
func DefaultVAD() VADConfig {
	return VADConfig{Threshold: 0.5, PrefixPaddingMS: 300, SilenceDurationMS: 500}
}

// SessionOptions configures one call's engine session.
type SessionOptions struct {
	Instructions string
	Voice        string
	// Codec is the audio format for both directions ("g711_ulaw").
	Codec string
	// TranscriptionModel transcribes the caller's audio.
	TranscriptionModel string
	VAD                VADConfig
	Tools              []tooling.Definition
}

// Wire shapes. Outbound messages all carry a "type" discriminator.

type sessionUpdateMsg struct {
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	Modalities              []string           `json:"modalities"`
	Instructions            string             `json:"instructions"`
	Voice                   string             `json:"voice"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription *transcriptionOpts `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection     `json:"turn_detection,omitempty"`
	Tools                   []toolPayload      `json:"tools,omitempty"`
	ToolChoice              string             `json:"tool_choice,omitempty"`
}

type transcriptionOpts struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type toolPayload struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type audioAppendMsg struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type plainMsg struct {
	Type string `json:"type"`
}

type itemCreateMsg struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// inboundMsg is the superset of inbound event fields we decode.
type inboundMsg struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Name       string `json:"name,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
