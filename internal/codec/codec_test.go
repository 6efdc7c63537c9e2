package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/lighter-stream/internal/channel"
)

func TestEncode(t *testing.T) {
	key := channel.MustParse("order_book/1")

	tests := []struct {
		name  string
		frame OutboundFrame
		want  string
	}{
		{name: "subscribe", frame: Subscribe(key), want: `{"type":"subscribe","channel":"order_book/1"}`},
		{name: "unsubscribe", frame: Unsubscribe(key), want: `{"type":"unsubscribe","channel":"order_book/1"}`},
		{name: "auth", frame: Auth("tok"), want: `{"type":"auth","token":"tok"}`},
		{name: "ping", frame: Ping(), want: `{"type":"ping"}`},
		{name: "pong", frame: Pong(), want: `{"type":"pong"}`},
		{
			name:  "sendtx",
			frame: SendTx(14, []byte(`{"Nonce":3}`)),
			want:  `{"type":"jsonapi/sendtx","data":{"tx_type":14,"tx_info":{"Nonce":3}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.frame)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestEncode_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		frame OutboundFrame
	}{
		{name: "subscribe without channel", frame: OutboundFrame{Type: FrameSubscribe}},
		{name: "auth without token", frame: OutboundFrame{Type: FrameAuth}},
		{name: "sendtx without data", frame: OutboundFrame{Type: FrameSendTx}},
		{name: "unknown type", frame: OutboundFrame{Type: "bogus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.frame)
			assert.ErrorIs(t, err, ErrInvalidFrame)
		})
	}
}

func TestDecode_Classification(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		input   string
		kind    Kind
		channel string
	}{
		{name: "ping", input: `{"type":"ping"}`, kind: KindPing},
		{name: "pong", input: `{"type":"pong"}`, kind: KindPong},
		{name: "connected", input: `{"type":"connected","session_id":"abc"}`, kind: KindConnected},
		{name: "auth success", input: `{"type":"auth_success"}`, kind: KindAuthSuccess},
		{name: "authenticated", input: `{"type":"authenticated"}`, kind: KindAuthSuccess},
		{name: "auth failed", input: `{"type":"auth_failed","channel":"account_all:42"}`, kind: KindAuthFailed, channel: "account_all/42"},
		{name: "auth error", input: `{"type":"auth_error"}`, kind: KindAuthFailed},
		{name: "subscribed", input: `{"type":"subscribed/order_book","channel":"order_book:1"}`, kind: KindSubscribed, channel: "order_book/1"},
		{name: "unsubscribed", input: `{"type":"unsubscribed/trade:2"}`, kind: KindUnsubscribed, channel: "trade/2"},
		{name: "update with channel field", input: `{"type":"update/order_book","channel":"order_book:1","order_book":{}}`, kind: KindUpdate, channel: "order_book/1"},
		{name: "update channel from type", input: `{"type":"update/order_book:1"}`, kind: KindUpdate, channel: "order_book/1"},
		{name: "error object", input: `{"error":{"code":30003,"message":"invalid channel"},"channel":"trade:9"}`, kind: KindError, channel: "trade/9"},
		{name: "unknown type", input: `{"type":"something_new"}`, kind: KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.input), now)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, now, ev.ReceivedAt)
			if tt.channel == "" {
				assert.False(t, ev.HasChannel())
			} else {
				assert.Equal(t, channel.MustParse(tt.channel), ev.Channel)
			}
		})
	}
}

func TestKind_IsLiveness(t *testing.T) {
	assert.True(t, KindPing.IsLiveness())
	assert.True(t, KindPong.IsLiveness())
	for _, k := range []Kind{KindConnected, KindAuthSuccess, KindSubscribed, KindUpdate, KindError, KindUnknown} {
		assert.False(t, k.IsLiveness(), k.String())
	}
}

func TestDecode_ColonAndSlashMatch(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"update/order_book:1","channel":"order_book:1"}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, channel.Key{Channel: "order_book", Parameter: "1"}, ev.Channel)
	assert.Equal(t, "order_book:1", ev.RawChannel)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "not json", input: `not json`},
		{name: "missing type", input: `{"channel":"order_book:1"}`},
		{name: "update without channel", input: `{"type":"update/"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input), time.Now())
			require.Error(t, err)
			var de *DecodeError
			assert.True(t, errors.As(err, &de))
		})
	}
}

func TestDecode_ErrorText(t *testing.T) {
	ev, err := Decode([]byte(`{"error":{"code":30003,"message":"invalid channel"}}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "30003: invalid channel", ev.Error)

	ev, err = Decode([]byte(`{"error":"rate limited"}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "rate limited", ev.Error)
}

func TestEvent_Decode(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"update/height","height":1234}`), time.Now())
	require.NoError(t, err)

	var body struct {
		Height int64 `json:"height"`
	}
	require.NoError(t, ev.Decode(&body))
	assert.Equal(t, int64(1234), body.Height)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(ev.Payload, &generic))
	assert.Equal(t, "update/height", generic["type"])
}

func TestSendTxBatch(t *testing.T) {
	f, err := SendTxBatch([]int{14, 15}, []string{`{"Nonce":1}`, `{"Nonce":2}`})
	require.NoError(t, err)

	data, err := Encode(f)
	require.NoError(t, err)

	var wire struct {
		Type string `json:"type"`
		Data struct {
			TxTypes string `json:"tx_types"`
			TxInfos string `json:"tx_infos"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "jsonapi/sendtxbatch", wire.Type)
	assert.Equal(t, "[14,15]", wire.Data.TxTypes)

	var infos []string
	require.NoError(t, json.Unmarshal([]byte(wire.Data.TxInfos), &infos))
	assert.Equal(t, []string{`{"Nonce":1}`, `{"Nonce":2}`}, infos)
}

func TestSendTxBatch_Mismatch(t *testing.T) {
	_, err := SendTxBatch([]int{14}, nil)
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = SendTxBatch(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}
