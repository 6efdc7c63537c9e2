package codec

import (
	stdjson "encoding/json"
	"time"

	"github.com/rickgao/lighter-stream/internal/channel"
)

// FrameType is the "type" field of an outbound control frame.
type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameAuth        FrameType = "auth"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
	FrameSendTx      FrameType = "jsonapi/sendtx"
	FrameSendTxBatch FrameType = "jsonapi/sendtxbatch"
)

// OutboundFrame is a control message to the server. Frames are values; once
// encoded and queued they are never mutated.
type OutboundFrame struct {
	Type    FrameType
	Channel *channel.Key // subscribe / unsubscribe
	Token   string       // auth
	Data    any          // jsonapi/* payloads
}

// Subscribe builds a subscribe frame for key.
func Subscribe(key channel.Key) OutboundFrame {
	return OutboundFrame{Type: FrameSubscribe, Channel: &key}
}

// Unsubscribe builds an unsubscribe frame for key.
func Unsubscribe(key channel.Key) OutboundFrame {
	return OutboundFrame{Type: FrameUnsubscribe, Channel: &key}
}

// Auth builds an auth frame carrying token.
func Auth(token string) OutboundFrame {
	return OutboundFrame{Type: FrameAuth, Token: token}
}

// Ping builds a heartbeat ping.
func Ping() OutboundFrame { return OutboundFrame{Type: FramePing} }

// Pong builds a heartbeat pong.
func Pong() OutboundFrame { return OutboundFrame{Type: FramePong} }

// TxPayload is the data of a jsonapi/sendtx frame. TxInfo is the opaque
// signed transaction produced by the signing subsystem.
type TxPayload struct {
	TxType int                `json:"tx_type"`
	TxInfo stdjson.RawMessage `json:"tx_info"`
}

// TxBatchPayload is the data of a jsonapi/sendtxbatch frame. Both fields are
// JSON-encoded arrays, as the venue expects.
type TxBatchPayload struct {
	TxTypes string `json:"tx_types"`
	TxInfos string `json:"tx_infos"`
}

// SendTx builds a jsonapi/sendtx frame.
func SendTx(txType int, txInfo []byte) OutboundFrame {
	return OutboundFrame{
		Type: FrameSendTx,
		Data: TxPayload{TxType: txType, TxInfo: stdjson.RawMessage(txInfo)},
	}
}

// Kind classifies an inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindPing
	KindPong
	KindConnected
	KindAuthSuccess
	KindAuthFailed
	KindSubscribed
	KindUnsubscribed
	KindUpdate
	KindError
)

var kindNames = map[Kind]string{
	KindUnknown:      "unknown",
	KindPing:         "ping",
	KindPong:         "pong",
	KindConnected:    "connected",
	KindAuthSuccess:  "auth_success",
	KindAuthFailed:   "auth_failed",
	KindSubscribed:   "subscribed",
	KindUnsubscribed: "unsubscribed",
	KindUpdate:       "update",
	KindError:        "error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// IsLiveness reports whether the event proves the connection is alive.
func (k Kind) IsLiveness() bool {
	return k == KindPing || k == KindPong
}

// Event is a decoded inbound frame. Payload holds the full raw frame so
// handlers can decode venue-specific fields themselves.
type Event struct {
	Kind       Kind
	Type       string
	Channel    channel.Key // zero when the frame carries no channel
	RawChannel string
	Payload    []byte
	Error      string
	ReceivedAt time.Time
}

// HasChannel reports whether the event was tagged with a channel.
func (e Event) HasChannel() bool {
	return !e.Channel.IsZero()
}

// Decode unmarshals the raw frame into v.
func (e Event) Decode(v any) error {
	return unmarshal(e.Payload, v)
}
