// Package bridge relays audio between the carrier's media-stream WebSocket
// and the speech engine for one live call, dispatching tool invocations
// without blocking the audio path.
package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Carrier media-stream frame types.
const (
	CarrierEventConnected = "connected"
	CarrierEventStart     = "start"
	CarrierEventMedia     = "media"
	CarrierEventStop      = "stop"
	CarrierEventMark      = "mark"
)

// MediaFormat describes the carrier's audio encoding.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// CarrierMessage is one decoded frame from the carrier.
type CarrierMessage struct {
	Event string
	// StreamID identifies the media stream (set from the start frame on).
	StreamID string
	// ProviderCallID is the carrier's call id (start frame).
	ProviderCallID string
	// Format is the negotiated media format (start frame).
	Format MediaFormat
	// Payload is base64 audio (media frames).
	Payload string
	// Track is the audio direction of a media frame ("inbound").
	Track string
}

// carrierFrame is the wire shape of inbound carrier frames.
type carrierFrame struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSID      string `json:"streamSid,omitempty"`
	Start          *struct {
		StreamSID   string      `json:"streamSid"`
		CallSID     string      `json:"callSid"`
		MediaFormat MediaFormat `json:"mediaFormat"`
	} `json:"start,omitempty"`
	Media *struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media,omitempty"`
}

// outboundMediaFrame is the wire shape of audio sent back to the carrier.
type outboundMediaFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// outboundClearFrame tells the carrier to drop buffered outbound audio
// (caller barge-in).
type outboundClearFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// CarrierConn is the bridge's view of the carrier socket. Implementations
// must tolerate one concurrent reader and one concurrent writer.
type CarrierConn interface {
	// Read returns the next well-formed frame. Malformed frames are
	// dropped internally.
	Read() (*CarrierMessage, error)
	// WriteMedia sends one base64 audio chunk to the caller.
	WriteMedia(streamID, payload string) error
	// WriteClear drops the carrier's buffered outbound audio.
	WriteClear(streamID string) error
	Close() error
}

// wsCarrierConn adapts a gorilla WebSocket connection to CarrierConn.
type wsCarrierConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	closeMu sync.Once
}

// NewCarrierConn wraps an upgraded carrier WebSocket.
func NewCarrierConn(conn *websocket.Conn, logger *slog.Logger) CarrierConn {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsCarrierConn{conn: conn, logger: logger}
}

func (c *wsCarrierConn) Read() (*CarrierMessage, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		var frame carrierFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			c.logger.Warn("malformed carrier frame dropped", "error", err)
			continue
		}

		msg := &CarrierMessage{Event: frame.Event, StreamID: frame.StreamSID}
		if frame.Start != nil {
			if frame.Start.StreamSID != "" {
				msg.StreamID = frame.Start.StreamSID
			}
			msg.ProviderCallID = frame.Start.CallSID
			msg.Format = frame.Start.MediaFormat
		}
		if frame.Media != nil {
			msg.Payload = frame.Media.Payload
			msg.Track = frame.Media.Track
		}
		return msg, nil
	}
}

func (c *wsCarrierConn) WriteMedia(streamID, payload string) error {
	frame := outboundMediaFrame{Event: CarrierEventMedia, StreamSID: streamID}
	frame.Media.Payload = payload
	return c.writeJSON(frame)
}

func (c *wsCarrierConn) WriteClear(streamID string) error {
	return c.writeJSON(outboundClearFrame{Event: "clear", StreamSID: streamID})
}

func (c *wsCarrierConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsCarrierConn) Close() error {
	var err error
	c.closeMu.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
