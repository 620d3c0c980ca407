//go:build unix

package server_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	nws "nhooyr.io/websocket"

	"github.com/momentics/pollws/api"
	"github.com/momentics/pollws/control"
	"github.com/momentics/pollws/protocol"
	"github.com/momentics/pollws/server"
)

func testConfig() *server.Config {
	cfg := server.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.PollTimeout = 5 * time.Millisecond
	cfg.CloseTimeout = 500 * time.Millisecond
	cfg.ReadTimeout = 2 * time.Second
	return cfg
}

func echo(msg *server.Message, c *server.Conn) ([]byte, error) {
	return msg.Payload, nil
}

// startServer serves on a loopback port until the test ends.
func startServer(t *testing.T, cfg *server.Config, h server.ConnectionHandler, setup func(*server.Server)) (*server.Server, <-chan error) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	srv := server.New(cfg, h, server.WithLogger(control.Discard()))
	if setup != nil {
		setup(srv)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := srv.ServeAsync(ctx)
	if srv.State() != server.StateListening {
		cancel()
		t.Fatalf("start: %v", <-errc)
	}
	t.Cleanup(func() {
		srv.Stop()
		cancel()
		select {
		case <-errc:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, errc
}

func wsURL(srv *server.Server) string {
	return "ws://" + srv.Addr().String() + "/"
}

func dialGorilla(t *testing.T, srv *server.Server) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	t.Cleanup(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func TestGorillaEcho(t *testing.T) {
	srv, _ := startServer(t, nil, server.NewWebSocketHandler(testConfig(), echo), nil)
	ws := dialGorilla(t, srv)

	for _, msg := range []string{"hello", strings.Repeat("x", 70000)} {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatal(err)
		}
		typ, got, err := ws.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if typ != websocket.TextMessage || string(got) != msg {
			t.Errorf("echo type %d len %d", typ, len(got))
		}
	}

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2}); err != nil {
		t.Fatal(err)
	}
	typ, got, err := ws.ReadMessage()
	if err != nil || typ != websocket.BinaryMessage || string(got) != "\x00\x01\x02" {
		t.Errorf("binary echo = %d %x %v", typ, got, err)
	}

	if srv.Metrics().Get("connections.accepted") != 1 || srv.Metrics().Get("messages.in") < 3 {
		t.Errorf("metrics = %v", srv.Metrics().Snapshot())
	}
}

func TestGorillaFragmentedWrite(t *testing.T) {
	srv, _ := startServer(t, nil, server.NewWebSocketHandler(testConfig(), echo), nil)
	ws := dialGorilla(t, srv)

	w, err := ws.NextWriter(websocket.TextMessage)
	if err != nil {
		t.Fatal(err)
	}
	// gorilla emits a frame per buffer flush; force several
	big := strings.Repeat("f", 10000)
	for i := 0; i < 3; i++ {
		if _, err := io.WriteString(w, big); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	_, got, err := ws.ReadMessage()
	if err != nil || len(got) != 30000 {
		t.Errorf("reassembled len = %d, %v", len(got), err)
	}
}

func TestGorillaPingPong(t *testing.T) {
	srv, _ := startServer(t, nil, server.NewWebSocketHandler(testConfig(), echo), nil)
	ws := dialGorilla(t, srv)

	var pongs atomic.Int32
	ws.SetPongHandler(func(data string) error {
		if data == "are you there" {
			pongs.Add(1)
		}
		return nil
	})
	if err := ws.WriteControl(websocket.PingMessage, []byte("are you there"), time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte("after ping")); err != nil {
		t.Fatal(err)
	}
	if _, got, err := ws.ReadMessage(); err != nil || string(got) != "after ping" {
		t.Fatalf("read = %q, %v", got, err)
	}
	if pongs.Load() != 1 {
		t.Errorf("pongs = %d", pongs.Load())
	}
}

func TestNhooyrEchoPingAndClose(t *testing.T) {
	srv, _ := startServer(t, nil, server.NewWebSocketHandler(testConfig(), echo), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := nws.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	if err := c.Write(ctx, nws.MessageText, []byte("from nhooyr")); err != nil {
		t.Fatal(err)
	}
	typ, got, err := c.Read(ctx)
	if err != nil || typ != nws.MessageText || string(got) != "from nhooyr" {
		t.Fatalf("read = %v %q %v", typ, got, err)
	}

	pctx := c.CloseRead(ctx)
	if err := c.Ping(pctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if err := c.Close(nws.StatusNormalClosure, "done"); err != nil {
		t.Errorf("close handshake: %v", err)
	}
	waitFor(t, func() bool { return srv.ActiveConnections() == 0 })
}

func TestBroadcastReachesPeersInSameTick(t *testing.T) {
	srv, _ := startServer(t, nil, nil, func(srv *server.Server) {
		srv.Register(server.ListenerFunc(func(msg *server.Message, c *server.Conn, s *server.Server) {
			s.Broadcast(protocol.TextFrame("relay: "+msg.Text()).Encode(), c)
		}), server.TypeText)
	})
	a := dialGorilla(t, srv)
	b := dialGorilla(t, srv)
	d := dialGorilla(t, srv)

	if err := a.WriteMessage(websocket.TextMessage, []byte("hi all")); err != nil {
		t.Fatal(err)
	}
	for _, peer := range []*websocket.Conn{b, d} {
		if _, got, err := peer.ReadMessage(); err != nil || string(got) != "relay: hi all" {
			t.Errorf("peer read = %q, %v", got, err)
		}
	}

	// the sender is excluded
	_ = a.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, got, err := a.ReadMessage(); err == nil {
		t.Errorf("sender received %q", got)
	}
}

func TestStopClosesConnectionsGracefully(t *testing.T) {
	srv, errc := startServer(t, nil, nil, nil)
	ws := dialGorilla(t, srv)
	waitFor(t, func() bool { return srv.ActiveConnections() == 1 })

	srv.Stop()
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure || ce.Text != "Connection closing" {
		t.Fatalf("read err = %v", err)
	}

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if srv.State() != server.StateStopped {
		t.Errorf("state = %s", srv.State())
	}
	if err := srv.Start(); !errors.Is(err, api.ErrServerClosed) {
		t.Errorf("restart err = %v", err)
	}
}

func TestContextCancelStopsServer(t *testing.T) {
	srv := server.New(testConfig(), nil, server.WithLogger(control.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	errc := srv.ServeAsync(ctx)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig()
	cfg.ListenAddr = ln.Addr().String()
	srv := server.New(cfg, nil, server.WithLogger(control.Discard()))
	err = srv.Start()
	if !errors.Is(err, api.ErrBind) || api.CodeOf(err) != api.ErrCodeBind {
		t.Fatalf("Start err = %v (code %s)", err, api.CodeOf(err))
	}
	if srv.State() != server.StateStopped {
		t.Errorf("state = %s", srv.State())
	}
	if err := srv.Serve(context.Background()); !errors.Is(err, api.ErrNotListening) {
		t.Errorf("Serve err = %v", err)
	}
}

func TestStartAfterInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.PollTimeout = 0
	srv := server.New(cfg, nil, server.WithLogger(control.Discard()))
	if err := srv.Start(); !errors.Is(err, api.ErrInvalidInput) {
		t.Fatalf("Start err = %v", err)
	}

	cfg.PollTimeout = 5 * time.Millisecond
	if err := srv.Start(); err != nil {
		t.Fatalf("Start after fixing config: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := srv.Serve(ctx); err != nil || srv.State() != server.StateStopped {
		t.Errorf("Serve = %v, state %s", err, srv.State())
	}
}

func TestStalledPeerDoesNotBlockOthers(t *testing.T) {
	cfg := testConfig()
	srv, _ := startServer(t, cfg, server.NewWebSocketHandler(cfg, echo), nil)

	raw, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	_ = raw.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(raw, upgradeRequest); err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(raw)
	status, err := br.ReadString('\n')
	if err != nil || !strings.HasPrefix(status, "HTTP/1.1 101") {
		t.Fatalf("status = %q, %v", status, err)
	}
	for line := ""; line != "\r\n"; {
		if line, err = br.ReadString('\n'); err != nil {
			t.Fatal(err)
		}
	}

	// header of a 9 byte frame, then nothing
	if _, err := raw.Write([]byte{0x81, 0x09}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	ws := dialGorilla(t, srv)
	if err := ws.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	if _, got, err := ws.ReadMessage(); err != nil || string(got) != "hi" {
		t.Fatalf("echo = %q, %v", got, err)
	}
	if latency := time.Since(start); latency > cfg.ReadTimeout/2 {
		t.Errorf("echo took %s behind a stalled peer", latency)
	}

	// the stalled frame completes once the rest arrives
	if _, err := io.WriteString(raw, "TEST DATA"); err != nil {
		t.Fatal(err)
	}
	f, err := protocol.Decode(protocol.NewFrameReader(br))
	if err != nil || f.Opcode != protocol.OpcodeText || string(f.Payload) != "TEST DATA" {
		t.Errorf("stalled echo = %v, %v", f, err)
	}
}

func TestRejectedHandshake(t *testing.T) {
	srv, _ := startServer(t, nil, nil, nil)
	c, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(c, "GET / HTTP/1.1\r\nHost: x\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil || line != "HTTP/1.1 400 Bad Request\r\n" {
		t.Errorf("status line = %q, %v", line, err)
	}
	waitFor(t, func() bool { return srv.Metrics().Get("connections.closed") == 1 })
	if srv.Metrics().Get("handshakes.rejected") != 1 {
		t.Errorf("metrics = %v", srv.Metrics().Snapshot())
	}
}

func TestFaultIsolatedByDefault(t *testing.T) {
	h := server.NewWebSocketHandler(testConfig(), func(msg *server.Message, c *server.Conn) ([]byte, error) {
		if msg.Text() == "explode" {
			panic("listener bug")
		}
		return msg.Payload, nil
	})
	srv, _ := startServer(t, nil, h, nil)
	bad := dialGorilla(t, srv)
	good := dialGorilla(t, srv)

	if err := bad.WriteMessage(websocket.TextMessage, []byte("explode")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := bad.ReadMessage(); err == nil {
		t.Error("faulty connection stayed open")
	}

	if err := good.WriteMessage(websocket.TextMessage, []byte("still here")); err != nil {
		t.Fatal(err)
	}
	if _, got, err := good.ReadMessage(); err != nil || string(got) != "still here" {
		t.Errorf("healthy peer = %q, %v", got, err)
	}
	if srv.State() != server.StateListening || srv.Metrics().Get("errors.internal") != 1 {
		t.Errorf("state %s metrics %v", srv.State(), srv.Metrics().Snapshot())
	}
}

func TestFailStop(t *testing.T) {
	cfg := testConfig()
	cfg.FailStop = true
	boom := errors.New("application failure")
	h := server.NewWebSocketHandler(cfg, func(*server.Message, *server.Conn) ([]byte, error) {
		return nil, boom
	})
	srv, errc := startServer(t, cfg, h, nil)
	ws := dialGorilla(t, srv)
	if err := ws.WriteMessage(websocket.TextMessage, []byte("x")); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, boom) {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fail-stop did not stop the server")
	}
}

func TestHTTPServer(t *testing.T) {
	const page = "<!doctype html><html><body><h1>Hello world</h1></body></html>"
	srv, _ := startServer(t, nil, &server.HTTPHandler{}, func(srv *server.Server) {
		srv.Register(server.ListenerFunc(func(msg *server.Message, c *server.Conn, _ *server.Server) {
			c.Send([]byte("HTTP/1.1 200 OK\r\ncontent-type: text/html\r\nconnection: close\r\n\r\n"+page), true)
		}), server.TypeDefault)
	})

	resp, err := http.Get("http://" + srv.Addr().String() + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK || string(body) != page {
		t.Errorf("GET = %d %q %v", resp.StatusCode, body, err)
	}
}

func TestRawSocketServer(t *testing.T) {
	srv, _ := startServer(t, nil, &server.RawHandler{}, func(srv *server.Server) {
		srv.Register(server.ListenerFunc(func(msg *server.Message, c *server.Conn, _ *server.Server) {
			c.Queue([]byte("received '" + strings.TrimSpace(msg.Text()) + "'\n"))
		}), server.TypeDefault)
	})
	c, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(c, "ping\n"); err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil || line != "received 'ping'\n" {
		t.Errorf("reply = %q, %v", line, err)
	}
}

func TestProbes(t *testing.T) {
	p := control.NewProbes()
	srv := server.New(testConfig(), nil, server.WithLogger(control.Discard()), server.WithProbes(p))
	if got := p.Dump()["server.state"]; got != "stopped" {
		t.Errorf("state probe = %v", got)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := srv.ServeAsync(ctx)
	defer func() { cancel(); <-errc }()

	dump := p.Dump()
	if dump["server.state"] != "listening" || dump["server.addr"] != srv.Addr().String() {
		t.Errorf("dump = %v", dump)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
