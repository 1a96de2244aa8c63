//go:build linux

package chatmux

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/Zereker/chatmux/cursor"
	"github.com/Zereker/chatmux/decoder"
	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
)

// testClient is a blocking TCP client that decodes broadcast frames.
type testClient struct {
	conn *net.TCPConn
	in   *cursor.Cursor
	dec  *MessageDecoder
}

func dialClient(t *testing.T, s *Server) *testClient {
	t.Helper()
	conn, err := net.DialTCP("tcp", nil, s.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{
		conn: conn,
		in:   cursor.New(4096),
		dec:  NewMessageDecoder(decoder.DefaultMaxLen, false),
	}
}

func (c *testClient) send(t *testing.T, msg Message) {
	t.Helper()
	if _, err := c.conn.Write(msg.Encode()); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
}

func (c *testClient) next(t *testing.T) Message {
	t.Helper()
	for {
		switch c.dec.Process(c.in) {
		case decoder.Done:
			msg := c.dec.Get()
			c.dec.Reset()
			return msg
		case decoder.Malformed:
			t.Fatalf("client received malformed frame: %v", c.dec.Err())
		}
		c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err := c.conn.Read(c.in.Spare())
		if err != nil {
			t.Fatalf("client read failed: %v", err)
		}
		c.in.Commit(n)
	}
}

// until reads frames until one carries body.
func (c *testClient) until(t *testing.T, body string) Message {
	t.Helper()
	for {
		if msg := c.next(t); msg.Body == body {
			return msg
		}
	}
}

// join sends a join frame and waits for its echo, which proves the server
// has registered the connection.
func (c *testClient) join(t *testing.T, name string) {
	t.Helper()
	c.send(t, Message{Sender: name, Body: "join " + name})
	c.until(t, "join "+name)
}

func startServer(t *testing.T, opts ...Option) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()
	opts = append([]Option{LoggerOption(discardLogger())}, opts...)
	server, err := New(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	return server, cancel, done
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
		return nil
	}
}

func TestNew(t *testing.T) {
	server, err := New(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer server.Close()

	addr, ok := server.Addr().(*net.TCPAddr)
	if !ok || addr.Port == 0 {
		t.Errorf("Addr = %v, want a bound TCP address", server.Addr())
	}
}

func TestNew_InvalidAddr(t *testing.T) {
	server1, err := New(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("first New failed: %v", err)
	}
	defer server1.Close()

	// Try to listen on the same port - should fail
	if _, err := New(server1.Addr().(*net.TCPAddr)); err == nil {
		t.Error("expected error for occupied port")
	}
}

func TestServer_CloseBeforeServe(t *testing.T) {
	server, err := New(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := server.Serve(context.Background()); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve = %v, want ErrServerClosed", err)
	}
}

func TestServer_Broadcast(t *testing.T) {
	defer leaktest.Check(t)()

	server, cancel, done := startServer(t)
	defer cancel()

	names := []string{"alice", "bob", "carol"}
	clients := make([]*testClient, len(names))
	for i, name := range names {
		clients[i] = dialClient(t, server)
		clients[i].join(t, name)
	}

	want := Message{Sender: "bob", Body: "hello, everyone"}
	clients[1].send(t, want)
	for i, c := range clients {
		if got := c.until(t, want.Body); got != want {
			t.Errorf("client %s received %v, want %v", names[i], got, want)
		}
	}

	if got := counter(server.Metrics(), MetricConnsAccepted); got != 3 {
		t.Errorf("%s = %d, want 3", MetricConnsAccepted, got)
	}

	cancel()
	if err := waitServe(t, done); !errors.Is(err, context.Canceled) {
		t.Errorf("Serve = %v, want context.Canceled", err)
	}
}

func TestServer_SplitFrame(t *testing.T) {
	defer leaktest.Check(t)()

	server, cancel, done := startServer(t)
	defer cancel()

	c := dialClient(t, server)
	c.join(t, "dave")

	frame := Message{Sender: "dave", Body: "slowly, one piece at a time"}.Encode()
	for _, piece := range [][]byte{frame[:2], frame[2:6], frame[6:9], frame[9:]} {
		if _, err := c.conn.Write(piece); err != nil {
			t.Fatalf("client write failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := c.next(t); got.Body != "slowly, one piece at a time" {
		t.Errorf("received %v", got)
	}

	cancel()
	waitServe(t, done)
}

func TestServer_MalformedDisconnects(t *testing.T) {
	defer leaktest.Check(t)()

	server, cancel, done := startServer(t)
	defer cancel()

	bad := dialClient(t, server)
	good := dialClient(t, server)
	bad.join(t, "mallory")
	good.join(t, "erin")

	if _, err := bad.conn.Write([]byte{0xff, 0xff, 0xff, 0xff}); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	bad.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	for {
		_, err := bad.conn.Read(buf)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatal("server did not close the malformed connection")
		}
		break
	}

	good.send(t, Message{Sender: "erin", Body: "still here"})
	good.until(t, "still here")

	cancel()
	waitServe(t, done)
}

func TestServer_Close(t *testing.T) {
	defer leaktest.Check(t)()

	server, cancel, done := startServer(t)
	defer cancel()

	c := dialClient(t, server)
	c.join(t, "frank")

	if err := server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := waitServe(t, done); err != nil {
		t.Errorf("Serve = %v, want nil after Close", err)
	}

	// Shutdown closes every connection.
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Read(make([]byte, 1)); err == nil {
		t.Error("client still connected after Close")
	}
	if err := server.Serve(context.Background()); !errors.Is(err, ErrServerClosed) {
		t.Errorf("second Serve = %v, want ErrServerClosed", err)
	}
}

func TestServer_CloseDuringServe(t *testing.T) {
	defer leaktest.Check(t)()

	for range 20 {
		server, err := New(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}, LoggerOption(discardLogger()))
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		done := make(chan error, 1)
		go func() { done <- server.Serve(context.Background()) }()
		if err := server.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		// Whichever call wins, Serve returns and the listener is released.
		if err := waitServe(t, done); err != nil && !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve = %v, want nil or ErrServerClosed", err)
		}
		if _, err := net.DialTimeout("tcp", server.Addr().String(), time.Second); err == nil {
			t.Error("listener still accepting after Close")
		}
	}
}
