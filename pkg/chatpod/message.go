package chatpod

import (
	"encoding/json"
	"fmt"
	"time"
)

// Ensure all control message types implement ControlMessage.
var (
	_ ControlMessage = (*Hello)(nil)
	_ ControlMessage = (*StateHint)(nil)
	_ ControlMessage = (*ToolCallRequest)(nil)
	_ ControlMessage = (*ToolCallResult)(nil)
	_ ControlMessage = (*Goodbye)(nil)
	_ ControlMessage = (*ErrorMessage)(nil)
)

// ControlMessage is the interface for control messages exchanged with the
// backend. The wire form is a flat JSON object with a "type" tag next to
// the payload fields.
type ControlMessage interface {
	isControlMessage()
	controlType() string
}

// EncodeControl marshals a control message to its wire form.
func EncodeControl(msg ControlMessage) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	tag, err := json.Marshal(msg.controlType())
	if err != nil {
		return nil, err
	}
	fields["type"] = tag
	return json.Marshal(fields)
}

// DecodeControl unmarshals a control message from its wire form. Unknown
// type tags return an error; the caller logs and skips the message.
func DecodeControl(b []byte) (ControlMessage, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("chatpod: decode control: %w", err)
	}
	var msg ControlMessage
	switch env.Type {
	case "hello":
		msg = new(Hello)
	case "hint":
		msg = new(StateHint)
	case "tool_call":
		msg = new(ToolCallRequest)
	case "tool_result":
		msg = new(ToolCallResult)
	case "goodbye":
		msg = new(Goodbye)
	case "error":
		msg = new(ErrorMessage)
	default:
		return nil, fmt.Errorf("chatpod: unknown control type: %q", env.Type)
	}
	if err := json.Unmarshal(b, msg); err != nil {
		return nil, fmt.Errorf("chatpod: decode %s: %w", env.Type, err)
	}
	return msg, nil
}

// AudioParams is the audio negotiation block inside Hello messages.
// FrameDuration is in milliseconds on the wire.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// PacketFormat converts the wire block to the internal format type.
func (p AudioParams) PacketFormat() PacketFormat {
	return PacketFormat{
		SampleRate:    p.SampleRate,
		Channels:      p.Channels,
		FrameDuration: time.Duration(p.FrameDuration) * time.Millisecond,
	}
}

// AudioParamsFor converts an internal format to the Hello wire block.
func AudioParamsFor(pf PacketFormat) AudioParams {
	return AudioParams{
		Format:        "opus",
		SampleRate:    pf.SampleRate,
		Channels:      pf.Channels,
		FrameDuration: int(pf.FrameDuration / time.Millisecond),
	}
}

// HelloFeatures advertises optional client capabilities.
type HelloFeatures struct {
	Tools bool `json:"tools,omitempty"`
}

// UDPParams is the datagram channel block of a server Hello on the MQTT
// transport. Key and Nonce are hex encoded.
type UDPParams struct {
	Server string `json:"server"`
	Port   int    `json:"port"`
	Key    string `json:"key"`
	Nonce  string `json:"nonce"`
}

// Hello opens a session. The client sends it on connect; the server reply
// carries the session id, an optional audio parameter override, and for
// the MQTT transport the UDP channel parameters.
type Hello struct {
	Version     int            `json:"version,omitempty"`
	Transport   string         `json:"transport,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	AudioParams *AudioParams   `json:"audio_params,omitempty"`
	Features    *HelloFeatures `json:"features,omitempty"`
	UDP         *UDPParams     `json:"udp,omitempty"`
}

func (*Hello) isControlMessage()   {}
func (*Hello) controlType() string { return "hello" }

// Hint names a conversation flow signal.
type Hint string

const (
	HintListenStart Hint = "listen_start"
	HintListenStop  Hint = "listen_stop"
	HintDetect      Hint = "detect"
	HintAbort       Hint = "abort"
	HintSpeakStart  Hint = "speak_start"
	HintSpeakStop   Hint = "speak_stop"
	HintTranscript  Hint = "transcript"
	HintReply       Hint = "reply"
)

// ListenMode selects how utterance boundaries are decided.
type ListenMode string

const (
	// ListenAuto ends a turn on local voice activity detection.
	ListenAuto ListenMode = "auto"
	// ListenManual ends a turn only on explicit stop.
	ListenManual ListenMode = "manual"
	// ListenRealtime streams continuously with no turn boundaries.
	ListenRealtime ListenMode = "realtime"
)

// StateHint signals a conversation flow event. The client sends listen,
// detect and abort hints; the server sends speak, transcript and reply
// hints.
type StateHint struct {
	SessionID     string     `json:"session_id,omitempty"`
	Hint          Hint       `json:"hint"`
	Text          string     `json:"text,omitempty"`
	Mode          ListenMode `json:"mode,omitempty"`
	KeepListening bool       `json:"keep_listening,omitempty"`
}

func (*StateHint) isControlMessage()   {}
func (*StateHint) controlType() string { return "hint" }

// ToolCallRequest asks the peer to execute a registered tool.
type ToolCallRequest struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

func (*ToolCallRequest) isControlMessage()   {}
func (*ToolCallRequest) controlType() string { return "tool_call" }

// ToolResultError is the error half of a tool result.
type ToolResultError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ToolCallResult carries the outcome of a tool call. Exactly one of
// Payload and Error is set.
type ToolCallResult struct {
	ID      string           `json:"id"`
	Payload json.RawMessage  `json:"payload,omitempty"`
	Error   *ToolResultError `json:"error,omitempty"`
}

func (*ToolCallResult) isControlMessage()   {}
func (*ToolCallResult) controlType() string { return "tool_result" }

// Goodbye ends a session. Sent by either side; a server goodbye with a
// matching (or absent) session id tears the connection down.
type Goodbye struct {
	SessionID string `json:"session_id,omitempty"`
}

func (*Goodbye) isControlMessage()   {}
func (*Goodbye) controlType() string { return "goodbye" }

// ErrorMessage reports a backend error inside a session.
type ErrorMessage struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (*ErrorMessage) isControlMessage()   {}
func (*ErrorMessage) controlType() string { return "error" }
