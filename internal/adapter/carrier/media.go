package carrier

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Media socket event names. Both carriers speak the same JSON envelope over
// the media WebSocket; carrier B differs only in the track label it stamps
// on inbound frames.
const (
	StreamEventConnected = "connected"
	StreamEventStart     = "start"
	StreamEventMedia     = "media"
	StreamEventStop      = "stop"
	StreamEventMark      = "mark"
	StreamEventClear     = "clear"
)

// StreamMessage is the JSON envelope exchanged on the carrier media socket.
type StreamMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Mark      *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload arrives once per stream, before any media frames.
type StartPayload struct {
	StreamSID  string `json:"streamSid"`
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid"`
}

// MediaPayload carries one frame of base64-encoded mu-law audio.
type MediaPayload struct {
	Payload   string `json:"payload"`
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// MarkPayload is a playback position marker echoed back by the carrier.
type MarkPayload struct {
	Name string `json:"name"`
}

// ParseStreamMessage decodes one media socket message.
func ParseStreamMessage(data []byte) (StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return StreamMessage{}, fmt.Errorf("parse stream message: %w", err)
	}
	return msg, nil
}

// NewMediaMessage builds an outbound media frame carrying mu-law audio.
func NewMediaMessage(streamSID string, mulaw []byte) StreamMessage {
	return StreamMessage{
		Event:     StreamEventMedia,
		StreamSID: streamSID,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
}

// NewClearMessage builds the barge-in directive that flushes the carrier's
// buffered playback.
func NewClearMessage(streamSID string) StreamMessage {
	return StreamMessage{Event: StreamEventClear, StreamSID: streamSID}
}

// IsInboundAudio reports whether the message is a media frame on the
// caller-inbound track. Carrier A labels it "inbound", carrier B
// "inbound_track"; an unlabeled frame is treated as inbound.
func (m StreamMessage) IsInboundAudio() bool {
	if m.Event != StreamEventMedia || m.Media == nil {
		return false
	}
	switch m.Media.Track {
	case "", "inbound", "inbound_track":
		return true
	}
	return false
}

// AudioPayload decodes the frame's base64 mu-law payload.
func (m StreamMessage) AudioPayload() ([]byte, error) {
	if m.Media == nil {
		return nil, fmt.Errorf("stream message has no media payload")
	}
	return base64.StdEncoding.DecodeString(m.Media.Payload)
}
