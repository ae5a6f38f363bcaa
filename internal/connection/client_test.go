package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test websocket server.
func mockWSServer(t *testing.T, handler func(*http.Request, *websocket.Conn)) *httptest.Server {
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
		handler(r, conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testClientConfig(server *httptest.Server) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = wsURL(server)
	cfg.BufferSize = 100
	return cfg
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestClient_Connect(t *testing.T) {
	var gotID string
	var mu sync.Mutex
	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		mu.Lock()
		gotID = r.Header.Get(ClientIDHeader)
		mu.Unlock()
		drain(conn)
	})
	defer server.Close()

	cfg := testClientConfig(server)
	cfg.ClientID = "agent-1"
	client := NewClient(cfg, nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected IsConnected to return true")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false after Close")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotID != "agent-1" {
		t.Errorf("client id header = %q, want agent-1", gotID)
	}
}

func TestClient_SendFrame(t *testing.T) {
	received := make(chan Frame, 1)
	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.BinaryMessage {
				t.Errorf("message type = %d, want binary", mt)
			}
			f, err := DecodeFrame(data)
			if err != nil {
				t.Errorf("DecodeFrame failed: %v", err)
				return
			}
			received <- f
		}
	})
	defer server.Close()

	client := NewClient(testClientConfig(server), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	want := Frame{Op: OpPublish, Topic: "/notification/bid/1", Payload: []byte("4")}
	if err := client.Send(want); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Op != want.Op || got.Topic != want.Topic || string(got.Payload) != "4" {
			t.Errorf("frame = %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
	}
}

func TestClient_Frames(t *testing.T) {
	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0x00})
		data, _ := EncodeFrame(Frame{Op: OpMessage, Topic: "/agent/bid", Payload: []byte("2")})
		_ = conn.WriteMessage(websocket.BinaryMessage, data)
		drain(conn)
	})
	defer server.Close()

	client := NewClient(testClientConfig(server), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case tf := <-client.Frames():
		if tf.Frame.Op != OpMessage || tf.Frame.Topic != "/agent/bid" {
			t.Errorf("frame = %+v, want msg on /agent/bid", tf.Frame)
		}
		if tf.ReceivedAt.IsZero() {
			t.Error("ReceivedAt not set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
	}
}

func TestClient_ServerCloseReportsError(t *testing.T) {
	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {})
	defer server.Close()

	client := NewClient(testClientConfig(server), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case err := <-client.Errors():
		if err == nil {
			t.Error("expected non-nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error")
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false after server close")
	}
	if err := client.Send(Frame{Op: OpPublish, Topic: "/x"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	client := NewClient(ClientConfig{URL: "ws://localhost:1"}, nil)
	if err := client.Send(Frame{Op: OpPublish, Topic: "/x"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestClient_ConnectAfterClose(t *testing.T) {
	client := NewClient(ClientConfig{URL: "ws://localhost:1"}, nil)
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := client.Connect(context.Background()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Connect = %v, want ErrAlreadyClosed", err)
	}
}

func TestClient_PingKeepsAlive(t *testing.T) {
	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) { drain(conn) })
	defer server.Close()

	cfg := testClientConfig(server)
	cfg.PingInterval = 10 * time.Millisecond
	cfg.PingTimeout = 100 * time.Millisecond
	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	// The server's default ping handler answers with pongs.
	select {
	case err := <-client.Errors():
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
	if !client.IsConnected() {
		t.Error("expected connection to stay alive")
	}
}

func TestDecodeFrame(t *testing.T) {
	data, err := EncodeFrame(Frame{Op: OpSubscribe, ID: 7, Pattern: "/notification/#"})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if f.Op != OpSubscribe || f.ID != 7 || f.Pattern != "/notification/#" {
		t.Errorf("frame = %+v", f)
	}

	missingOp, _ := EncodeFrame(Frame{Topic: "/x"})
	if _, err := DecodeFrame(missingOp); err == nil {
		t.Error("expected error for frame without op")
	}
	if _, err := DecodeFrame([]byte("not cbor")); err == nil {
		t.Error("expected error for garbage")
	}
}

func TestDial_Unreachable(t *testing.T) {
	cfg := DefaultBusConfig()
	cfg.Client.URL = "ws://127.0.0.1:1/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Dial(ctx, cfg, nil); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestDefaultConfigs(t *testing.T) {
	c := DefaultClientConfig()
	if c.PingInterval >= c.PingTimeout {
		t.Errorf("PingInterval %v should be below PingTimeout %v", c.PingInterval, c.PingTimeout)
	}
	b := DefaultBusConfig()
	if b.ReconnectBaseWait > b.ReconnectMaxWait {
		t.Errorf("ReconnectBaseWait %v > ReconnectMaxWait %v", b.ReconnectBaseWait, b.ReconnectMaxWait)
	}
}
