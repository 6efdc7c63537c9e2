// Package codec encodes outbound control frames and classifies inbound frames.
//
// The codec is a leaf: it knows the wire shapes and nothing about connection
// state. Malformed input yields a *DecodeError which callers log and drop.
package codec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/rickgao/lighter-stream/internal/channel"
)

// Type prefixes of channel-scoped inbound frames.
const (
	prefixSubscribed   = "subscribed/"
	prefixUnsubscribed = "unsubscribed/"
	prefixUpdate       = "update/"
)

// ErrInvalidFrame is returned by Encode for frames missing required fields.
var ErrInvalidFrame = errors.New("invalid outbound frame")

// DecodeError describes an inbound frame that could not be classified.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// outboundWire is the JSON shape of every outbound frame.
type outboundWire struct {
	Type    FrameType `json:"type"`
	Channel string    `json:"channel,omitempty"`
	Token   string    `json:"token,omitempty"`
	Data    any       `json:"data,omitempty"`
}

// inboundWire holds the routing fields shared by all inbound frames.
type inboundWire struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Error   any    `json:"error"`
}

// Encode validates f and renders it as a UTF-8 JSON object.
func Encode(f OutboundFrame) ([]byte, error) {
	w := outboundWire{Type: f.Type}

	switch f.Type {
	case FrameSubscribe, FrameUnsubscribe:
		if f.Channel == nil || f.Channel.IsZero() {
			return nil, fmt.Errorf("%w: %s requires a channel", ErrInvalidFrame, f.Type)
		}
		w.Channel = f.Channel.String()
	case FrameAuth:
		if f.Token == "" {
			return nil, fmt.Errorf("%w: auth requires a token", ErrInvalidFrame)
		}
		w.Token = f.Token
	case FramePing, FramePong:
	case FrameSendTx, FrameSendTxBatch:
		if f.Data == nil {
			return nil, fmt.Errorf("%w: %s requires data", ErrInvalidFrame, f.Type)
		}
		w.Data = f.Data
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, f.Type)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return data, nil
}

// Decode parses and classifies a raw inbound frame received at receivedAt.
func Decode(data []byte, receivedAt time.Time) (Event, error) {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, &DecodeError{Reason: "invalid json", Err: err}
	}

	ev := Event{
		Type:       w.Type,
		RawChannel: w.Channel,
		Payload:    data,
		ReceivedAt: receivedAt,
	}

	if w.Error != nil {
		ev.Kind = KindError
		ev.Error = errorText(w.Error)
		if k, err := channel.Parse(w.Channel); err == nil {
			ev.Channel = k
		}
		return ev, nil
	}

	if w.Type == "" {
		return Event{}, &DecodeError{Reason: "missing type"}
	}

	switch w.Type {
	case "ping":
		ev.Kind = KindPing
		return ev, nil
	case "pong":
		ev.Kind = KindPong
		return ev, nil
	case "connected":
		ev.Kind = KindConnected
		return ev, nil
	case "auth_success", "authenticated":
		ev.Kind = KindAuthSuccess
		ev.Channel, _ = channel.Parse(w.Channel)
		return ev, nil
	case "auth_failed", "auth_error":
		ev.Kind = KindAuthFailed
		ev.Channel, _ = channel.Parse(w.Channel)
		return ev, nil
	case "error":
		ev.Kind = KindError
		ev.Channel, _ = channel.Parse(w.Channel)
		return ev, nil
	}

	var suffix string
	switch {
	case strings.HasPrefix(w.Type, prefixUpdate):
		ev.Kind = KindUpdate
		suffix = strings.TrimPrefix(w.Type, prefixUpdate)
	case strings.HasPrefix(w.Type, prefixSubscribed):
		ev.Kind = KindSubscribed
		suffix = strings.TrimPrefix(w.Type, prefixSubscribed)
	case strings.HasPrefix(w.Type, prefixUnsubscribed):
		ev.Kind = KindUnsubscribed
		suffix = strings.TrimPrefix(w.Type, prefixUnsubscribed)
	default:
		ev.Kind = KindUnknown
		return ev, nil
	}

	raw := w.Channel
	if raw == "" {
		raw = suffix
	}
	key, err := channel.Parse(raw)
	if err != nil {
		return Event{}, &DecodeError{Reason: "missing or invalid channel", Err: err}
	}
	ev.Channel = key
	if ev.RawChannel == "" {
		ev.RawChannel = raw
	}
	return ev, nil
}

// SendTxBatch builds a jsonapi/sendtxbatch frame. Both slices must have the
// same non-zero length.
func SendTxBatch(txTypes []int, txInfos []string) (OutboundFrame, error) {
	if len(txTypes) == 0 || len(txTypes) != len(txInfos) {
		return OutboundFrame{}, fmt.Errorf("%w: batch needs matching tx types and infos, got %d and %d",
			ErrInvalidFrame, len(txTypes), len(txInfos))
	}
	types, err := json.Marshal(txTypes)
	if err != nil {
		return OutboundFrame{}, fmt.Errorf("marshal tx types: %w", err)
	}
	infos, err := json.Marshal(txInfos)
	if err != nil {
		return OutboundFrame{}, fmt.Errorf("marshal tx infos: %w", err)
	}
	return OutboundFrame{
		Type: FrameSendTxBatch,
		Data: TxBatchPayload{TxTypes: string(types), TxInfos: string(infos)},
	}, nil
}

// errorText flattens the venue's error field, which is either a string or an
// object with a message.
func errorText(v any) string {
	switch e := v.(type) {
	case string:
		return e
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			if code, ok := e["code"]; ok {
				return fmt.Sprintf("%v: %s", code, msg)
			}
			return msg
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
