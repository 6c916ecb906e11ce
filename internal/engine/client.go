package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Client errors.
var (
	ErrMissingAPIKey = errors.New("engine: API key is required")
	ErrNotConnected  = errors.New("engine: not connected")
)

// Config holds the engine connection settings.
type Config struct {
	// URL is the realtime WebSocket endpoint.
	URL string `yaml:"url" json:"url"`
	// APIKey authenticates the connection.
	APIKey string `yaml:"api_key" json:"api_key"`
	// Model selects the realtime model.
	Model string `yaml:"model" json:"model"`
	// Voice is the default output voice.
	Voice string `yaml:"voice" json:"voice"`
	// TranscriptionModel transcribes caller audio.
	TranscriptionModel string `yaml:"transcription_model" json:"transcription_model"`
	// VAD is the default turn-detection tuning.
	VAD VADConfig `yaml:"vad" json:"vad"`
}

// Normalize fills unset fields with defaults.
func (c Config) Normalize() Config {
	if c.URL == "" {
		c.URL = "wss://api.openai.com/v1/realtime"
	}
	if c.Model == "" {
		c.Model = "gpt-4o-realtime-preview"
	}
	if c.Voice == "" {
		c.Voice = "alloy"
	}
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = "whisper-1"
	}
	if c.VAD == (VADConfig{}) {
		c.VAD = DefaultVAD()
	}
	return c
}

// Conn is the subset of the engine connection the bridge depends on, so
// tests can substitute a fake.
type Conn interface {
	ConfigureSession(opts SessionOptions) error
	AppendAudio(b64 string) error
	CommitAudio() error
	SendToolResult(toolCallID, output string) error
	CreateResponse() error
	Events() <-chan Event
	Close() error
}

// Client is a live WebSocket connection to the speech engine. One Client
// serves one call.
type Client struct {
	config Config
	logger *slog.Logger

	conn   *websocket.Conn
	events chan Event

	writeMu sync.Mutex
	closeMu sync.Once
	done    chan struct{}
}

// Dial connects to the engine and starts the read loop.
func Dial(ctx context.Context, config Config, logger *slog.Logger) (*Client, error) {
	config = config.Normalize()
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if logger == nil {
		logger = slog.Default()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+config.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	url := fmt.Sprintf("%s?model=%s", config.URL, config.Model)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("engine: dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("engine: dial failed: %w", err)
	}

	c := &Client{
		config: config,
		logger: logger,
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events returns the inbound event stream. The channel closes when the
// connection ends.
func (c *Client) Events() <-chan Event { return c.events }

// ConfigureSession sends the one-time session.update. The engine confirms
// with a session.updated event on the Events stream.
func (c *Client) ConfigureSession(opts SessionOptions) error {
	voice := opts.Voice
	if voice == "" {
		voice = c.config.Voice
	}
	codec := opts.Codec
	if codec == "" {
		codec = "g711_ulaw"
	}
	transcription := opts.TranscriptionModel
	if transcription == "" {
		transcription = c.config.TranscriptionModel
	}
	vad := opts.VAD
	if vad == (VADConfig{}) {
		vad = c.config.VAD
	}

	tools := make([]toolPayload, 0, len(opts.Tools))
	for _, def := range opts.Tools {
		tools = append(tools, toolPayload{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}

	msg := sessionUpdateMsg{
		Type: "session.update",
		Session: sessionPayload{
			Modalities:              []string{"text", "audio"},
			Instructions:            opts.Instructions,
			Voice:                   voice,
			InputAudioFormat:        codec,
			OutputAudioFormat:       codec,
			InputAudioTranscription: &transcriptionOpts{Model: transcription},
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         vad.Threshold,
				PrefixPaddingMS:   vad.PrefixPaddingMS,
				SilenceDurationMS: vad.SilenceDurationMS,
			},
			Tools:      tools,
			ToolChoice: "auto",
		},
	}
	return c.send(msg)
}

// AppendAudio forwards one base64 audio chunk to the engine's input buffer.
func (c *Client) AppendAudio(b64 string) error {
	return c.send(audioAppendMsg{Type: "input_audio_buffer.append", Audio: b64})
}

// CommitAudio commits the input buffer for processing. With server VAD the
// engine commits on its own; this is the explicit path.
func (c *Client) CommitAudio() error {
	return c.send(plainMsg{Type: "input_audio_buffer.commit"})
}

// SendToolResult feeds a tool output back into the conversation.
func (c *Client) SendToolResult(toolCallID, output string) error {
	return c.send(itemCreateMsg{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: toolCallID,
			Output: output,
		},
	})
}

// CreateResponse asks the engine to produce its next spoken response,
// typically after a tool result.
func (c *Client) CreateResponse() error {
	return c.send(plainMsg{Type: "response.create"})
}

// Close tears down the connection and closes the event stream.
func (c *Client) Close() error {
	var err error
	c.closeMu.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) send(msg any) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// readLoop decodes inbound frames into Events. Malformed frames are logged
// and dropped; a read error ends the loop and closes the event stream.
func (c *Client) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("engine connection closed", "error", err)
			}
			return
		}

		var msg inboundMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("malformed engine frame dropped", "error", err)
			continue
		}

		event, ok := decodeEvent(msg)
		if !ok {
			continue
		}
		select {
		case c.events <- event:
		case <-c.done:
			return
		}
	}
}

// decodeEvent maps a wire message to an Event. Event types the bridge does
// not care about are skipped.
func decodeEvent(msg inboundMsg) (Event, bool) {
	switch msg.Type {
	case EventSessionCreated, EventSessionUpdated, EventResponseDone, EventSpeechStarted:
		return Event{Type: msg.Type}, true
	case EventAudioDelta:
		return Event{Type: msg.Type, AudioDelta: msg.Delta}, true
	case EventAudioTranscriptDelta:
		return Event{Type: msg.Type, Transcript: msg.Delta}, true
	case EventAudioTranscriptDone, EventInputTranscriptionDone:
		return Event{Type: msg.Type, Transcript: msg.Transcript}, true
	case EventToolCallDone:
		return Event{
			Type:       msg.Type,
			ToolName:   msg.Name,
			ToolCallID: msg.CallID,
			ToolArgs:   msg.Arguments,
		}, true
	case EventError:
		e := Event{Type: msg.Type}
		if msg.Error != nil {
			e.ErrMessage = msg.Error.Message
		}
		return e, true
	default:
		return Event{}, false
	}
}
