package transport

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// newBridge starts a WebSocket server that runs handle on each connection.
func newBridge(t *testing.T, handle func(*websocket.Conn, *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketConn_Echo(t *testing.T) {
	url := newBridge(t, func(c *websocket.Conn, _ *http.Request) {
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			c.WriteMessage(mt, data)
		}
	})

	conn, err := DialWebSocket(url, "", "", false)
	if err != nil {
		t.Fatalf("DialWebSocket() error = %v", err)
	}
	defer conn.Close()

	payload := []byte{0x03, 0x02, 0x00, 0x81, 0x02, 0x5D, 0x1A}
	if n, err := conn.Write(payload); err != nil || n != len(payload) {
		t.Fatalf("Write() = (%d, %v), want (%d, nil)", n, err, len(payload))
	}

	// Read in small pieces to exercise buffering across calls.
	var got []byte
	buf := make([]byte, 3)
	for len(got) < len(payload) {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Read() = % X, want % X", got, payload)
	}
}

func TestWebSocketConn_SkipsTextMessages(t *testing.T) {
	url := newBridge(t, func(c *websocket.Conn, _ *http.Request) {
		c.WriteMessage(websocket.TextMessage, []byte("bridge ready"))
		c.WriteMessage(websocket.BinaryMessage, []byte{0xAB})
		c.ReadMessage()
	})

	conn, err := DialWebSocket(url, "", "", false)
	if err != nil {
		t.Fatalf("DialWebSocket() error = %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 8)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if n != 1 || buf[0] != 0xAB {
		t.Errorf("Read() = % X, want AB", buf[:n])
	}
}

func TestWebSocketConn_ClosedByPeer(t *testing.T) {
	url := newBridge(t, func(c *websocket.Conn, _ *http.Request) {})

	conn, err := DialWebSocket(url, "", "", false)
	if err != nil {
		t.Fatalf("DialWebSocket() error = %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 8)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("Read() error = nil after peer closed")
	}
	if _, err := conn.Read(buf); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("second Read() error = %v, want ErrConnectionClosed", err)
	}
}

func TestDialWebSocket_BasicAuth(t *testing.T) {
	authCh := make(chan string, 1)
	url := newBridge(t, func(c *websocket.Conn, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		authCh <- user + ":" + pass
	})

	conn, err := DialWebSocket(url, "admin", "s3cret", false)
	if err != nil {
		t.Fatalf("DialWebSocket() error = %v", err)
	}
	defer conn.Close()

	if got := <-authCh; got != "admin:s3cret" {
		t.Errorf("basic auth = %q, want admin:s3cret", got)
	}
}

func TestDialWebSocket_NoAuthWithoutPassword(t *testing.T) {
	authCh := make(chan string, 1)
	url := newBridge(t, func(c *websocket.Conn, r *http.Request) {
		authCh <- r.Header.Get("Authorization")
	})

	conn, err := DialWebSocket(url, "admin", "", false)
	if err != nil {
		t.Fatalf("DialWebSocket() error = %v", err)
	}
	defer conn.Close()

	if got := <-authCh; got != "" {
		t.Errorf("Authorization header = %q, want empty", got)
	}
}

func TestDialWebSocket_BadScheme(t *testing.T) {
	for _, u := range []string{"http://localhost/ws", "tcp://host:1234", "::bad"} {
		if _, err := DialWebSocket(u, "", "", false); err == nil {
			t.Errorf("DialWebSocket(%q) error = nil", u)
		}
	}
}

func TestDialWebSocket_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := DialWebSocket("ws"+strings.TrimPrefix(srv.URL, "http"), "", "", false)
	if err == nil || !strings.Contains(err.Error(), "HTTP 401") {
		t.Errorf("DialWebSocket() error = %v, want HTTP 401", err)
	}
}

func TestOpen_NoEndpoint(t *testing.T) {
	if _, _, err := Open(Options{}); !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("Open() error = %v, want ErrNoEndpoint", err)
	}
}

func TestOpen_WebSocket(t *testing.T) {
	url := newBridge(t, func(c *websocket.Conn, _ *http.Request) { c.ReadMessage() })

	conn, desc, err := Open(Options{URL: url, Port: "/dev/ttyACM0"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer conn.Close()

	if !strings.HasPrefix(desc, "WebSocket: ") {
		t.Errorf("Open() description = %q, want WebSocket prefix", desc)
	}
}

func TestGetPassword_Env(t *testing.T) {
	t.Setenv(PasswordEnv, "from-env")
	pw, err := GetPassword()
	if err != nil {
		t.Fatalf("GetPassword() error = %v", err)
	}
	if pw != "from-env" {
		t.Errorf("GetPassword() = %q, want from-env", pw)
	}
}

func TestReadLine(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"hunter2\n", "hunter2", false},
		{"  spaced  \r\n", "spaced", false},
		{"no-newline", "no-newline", false},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := readLine(strings.NewReader(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("readLine(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("readLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

var _ io.ReadWriteCloser = (*WebSocketConn)(nil)
