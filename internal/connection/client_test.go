package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/lighter-stream/internal/channel"
	"github.com/rickgao/lighter-stream/internal/codec"
	"github.com/rickgao/lighter-stream/internal/router"
	"github.com/rickgao/lighter-stream/internal/subscription"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestWebsocketDialer_Dial(t *testing.T) {
	server := mockWSServer(t, drain)
	defer server.Close()

	d := NewWebsocketDialer(ClientConfig{URL: wsURL(server)}, nil)
	conn, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	// Second close is a no-op.
	conn.Close()

	if err := conn.Send([]byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after Close: got %v, want ErrNotConnected", err)
	}
}

func TestWebsocketDialer_DialFailure(t *testing.T) {
	d := NewWebsocketDialer(ClientConfig{URL: "ws://127.0.0.1:1/stream", HandshakeTimeout: time.Second}, nil)
	if _, err := d.Dial(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestWebsocketDialer_Headers(t *testing.T) {
	got := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("X-Client")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		drain(conn)
	}))
	defer server.Close()

	header := http.Header{}
	header.Set("X-Client", "lighter-stream")
	d := NewWebsocketDialer(ClientConfig{URL: wsURL(server), Header: header}, nil)

	conn, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if h := <-got; h != "lighter-stream" {
		t.Errorf("X-Client = %q, want lighter-stream", h)
	}
}

func TestClient_Send(t *testing.T) {
	received := make(chan []byte, 1)

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- msg
		}
	})
	defer server.Close()

	conn, err := NewWebsocketDialer(ClientConfig{URL: wsURL(server)}, nil).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	testMsg := []byte(`{"type":"ping"}`)
	if err := conn.Send(testMsg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg) != string(testMsg) {
			t.Errorf("received %s, want %s", msg, testMsg)
		}
	case <-time.After(time.Second):
		t.Fatal("message not received")
	}
}

func TestClient_ReceiveMessages(t *testing.T) {
	messages := []string{
		`{"type":"connected"}`,
		`{"type":"update/order_book:1","channel":"order_book:1"}`,
	}

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		drain(conn)
	})
	defer server.Close()

	conn, err := NewWebsocketDialer(ClientConfig{URL: wsURL(server)}, nil).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	before := time.Now()
	for i, want := range messages {
		select {
		case msg := <-conn.Messages():
			if string(msg.Data) != want {
				t.Errorf("message %d = %s, want %s", i, msg.Data, want)
			}
			if msg.ReceivedAt.Before(before) {
				t.Errorf("message %d has receive time before dial", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestClient_PeerCloseReported(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
	})
	defer server.Close()

	conn, err := NewWebsocketDialer(ClientConfig{URL: wsURL(server)}, nil).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case err := <-conn.Errors():
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("got %v, want ErrConnectionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected connection error")
	}
}

func TestClient_AnswersProtocolPing(t *testing.T) {
	pong := make(chan string, 1)

	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.SetPongHandler(func(data string) error {
			pong <- data
			return nil
		})
		conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second))
		drain(conn)
	})
	defer server.Close()

	conn, err := NewWebsocketDialer(ClientConfig{URL: wsURL(server)}, nil).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case data := <-pong:
		if data != "hb" {
			t.Errorf("pong payload = %q, want hb", data)
		}
	case <-time.After(time.Second):
		t.Fatal("protocol ping not answered")
	}
}

// lighterServer is a minimal venue: it records control frames and lets the
// test kill the socket.
type lighterServer struct {
	mu     sync.Mutex
	frames []string
	conns  []*websocket.Conn
}

func (s *lighterServer) handle(conn *websocket.Conn) {
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected"}`))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f struct {
			Type    string `json:"type"`
			Channel string `json:"channel"`
		}
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		s.mu.Lock()
		s.frames = append(s.frames, strings.TrimSpace(f.Type+" "+f.Channel))
		s.mu.Unlock()

		if f.Type == "subscribe" {
			wire := strings.Replace(f.Channel, "/", ":", 1)
			conn.WriteMessage(websocket.TextMessage,
				[]byte(`{"type":"update/`+wire+`","channel":"`+wire+`"}`))
		}
	}
}

func (s *lighterServer) kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.UnderlyingConn().Close()
	}
}

func (s *lighterServer) count(frame string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		if f == frame {
			n++
		}
	}
	return n
}

func TestManager_OverWebsocket(t *testing.T) {
	venue := &lighterServer{}
	server := mockWSServer(t, venue.handle)
	defer server.Close()

	reg := subscription.NewRegistry()
	updates := make(chan codec.Event, 8)
	reg.Add(channel.MustParse("order_book/1"), func(ev codec.Event) error {
		updates <- ev
		return nil
	}, subscription.Options{})

	m := NewManager(Config{BaseDelay: 10 * time.Millisecond, PingInterval: time.Hour}, Deps{
		Dialer:     NewWebsocketDialer(ClientConfig{URL: wsURL(server)}, nil),
		Registry:   reg,
		Dispatcher: router.New(reg, nil, nil),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect(context.Background())

	select {
	case ev := <-updates:
		if ev.Channel != channel.MustParse("order_book/1") {
			t.Errorf("update channel = %v", ev.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}

	venue.kill()

	// The resubscribe on the new socket yields a second update.
	select {
	case <-updates:
	case <-time.After(3 * time.Second):
		t.Fatal("no update after reconnect")
	}

	if n := venue.count("subscribe order_book/1"); n != 2 {
		t.Errorf("subscribe frames = %d, want 2", n)
	}
	if n := venue.count("unsubscribe order_book/1"); n != 0 {
		t.Errorf("unsubscribe frames = %d, want 0", n)
	}
}
