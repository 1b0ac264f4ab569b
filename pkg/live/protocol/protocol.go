// Package protocol defines the JSON dialect exchanged with the live agent
// endpoint: realtime media chunks and content turns going out, setup/content
// events coming in. Binary payloads are always base64 inside JSON text
// frames; the protocol never relies on raw binary websocket frames.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// MimePCM16k is the mime type for outbound microphone audio.
	MimePCM16k = "audio/pcm;rate=16000"
	// MimeJPEG is the mime type for outbound video frames.
	MimeJPEG = "image/jpeg"

	RoleUser = "user"

	// QuotaExceeded is the distinguished error string the upstream emits
	// when the API quota or rate limit is exhausted.
	QuotaExceeded = "QUOTA_EXCEEDED"
)

// MediaChunk is one base64 media payload inside a realtime_input message.
type MediaChunk struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// RealtimeInput carries streaming media (mic audio, camera frames).
type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"media_chunks"`
}

// InlineData is an embedded media part inside a content turn. Note the
// camelCase tags: content parts use the model-side naming, while
// realtime_input uses snake_case.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// IsAudio reports whether the part carries linear PCM audio.
func (d *InlineData) IsAudio() bool {
	return d != nil && strings.HasPrefix(d.MimeType, "audio/pcm")
}

// Decode returns the raw payload bytes.
func (d *InlineData) Decode() ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("no inline data")
	}
	raw, err := base64.StdEncoding.DecodeString(d.Data)
	if err != nil {
		return nil, fmt.Errorf("decode inline data: %w", err)
	}
	return raw, nil
}

// Part is a single piece of a turn: text or inline media.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// Turn is one conversational turn in a client_content message.
type Turn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// ClientContent is an explicit out-of-band turn (probe frames, watchdog
// continuation prompts), as opposed to streamed realtime media.
type ClientContent struct {
	Turns        []Turn `json:"turns"`
	TurnComplete bool   `json:"turn_complete"`
}

type clientMessage struct {
	RealtimeInput *RealtimeInput `json:"realtime_input,omitempty"`
	ClientContent *ClientContent `json:"client_content,omitempty"`
}

// AudioChunk builds a realtime_input message carrying one uplink PCM chunk.
func AudioChunk(pcm []byte) ([]byte, error) {
	return mediaChunk(MimePCM16k, pcm)
}

// VideoFrame builds a realtime_input message carrying one JPEG frame.
func VideoFrame(jpg []byte) ([]byte, error) {
	return mediaChunk(MimeJPEG, jpg)
}

func mediaChunk(mimeType string, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty %s payload", mimeType)
	}
	msg := clientMessage{
		RealtimeInput: &RealtimeInput{
			MediaChunks: []MediaChunk{{
				MimeType: mimeType,
				Data:     base64.StdEncoding.EncodeToString(payload),
			}},
		},
	}
	return json.Marshal(msg)
}

// TextTurn builds a complete user text turn.
func TextTurn(text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty turn text")
	}
	msg := clientMessage{
		ClientContent: &ClientContent{
			Turns: []Turn{{
				Role:  RoleUser,
				Parts: []Part{{Text: text}},
			}},
			TurnComplete: true,
		},
	}
	return json.Marshal(msg)
}

// ImageTurn builds a combined image+question turn. Probe frames ride this
// shape instead of realtime_input so the image and its prompt arrive as one
// interleaved still-image question.
func ImageTurn(jpg []byte, prompt string) ([]byte, error) {
	if len(jpg) == 0 {
		return nil, fmt.Errorf("empty image payload")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("empty image prompt")
	}
	msg := clientMessage{
		ClientContent: &ClientContent{
			Turns: []Turn{{
				Role: RoleUser,
				Parts: []Part{
					{InlineData: &InlineData{
						MimeType: MimeJPEG,
						Data:     base64.StdEncoding.EncodeToString(jpg),
					}},
					{Text: prompt},
				},
			}},
			TurnComplete: true,
		},
	}
	return json.Marshal(msg)
}

// ModelTurn is the agent's streamed response content.
type ModelTurn struct {
	Parts []Part `json:"parts"`
}

// ServerContent wraps model output and turn lifecycle signals.
type ServerContent struct {
	ModelTurn    *ModelTurn `json:"modelTurn,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
}

// ServerMessage is one inbound frame from the agent endpoint. Unknown
// fields are ignored; a single frame may carry several of these at once.
type ServerMessage struct {
	SetupComplete json.RawMessage `json:"setupComplete,omitempty"`
	Error         string          `json:"error,omitempty"`
	ServerContent *ServerContent  `json:"serverContent,omitempty"`
}

// Parse decodes one inbound frame.
func Parse(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse server message: %w", err)
	}
	return &msg, nil
}

// IsSetupComplete reports whether the frame completes the readiness
// handshake. The upstream has emitted both `true` and `{}` here, so any
// non-null value counts.
func (m *ServerMessage) IsSetupComplete() bool {
	if m == nil || len(m.SetupComplete) == 0 {
		return false
	}
	s := strings.TrimSpace(string(m.SetupComplete))
	return s != "null" && s != "false"
}

// IsQuotaError reports whether the frame carries the quota/rate-limit error.
// The upstream embeds the marker inside a longer status string.
func (m *ServerMessage) IsQuotaError() bool {
	return m != nil && strings.Contains(m.Error, QuotaExceeded)
}
