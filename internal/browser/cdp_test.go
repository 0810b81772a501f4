package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rewired-gh/rugscope/internal/models"
)

// fakeDebugger is a minimal CDP endpoint: it acknowledges commands (unless
// told to stay silent) and lets tests push events to the client.
type fakeDebugger struct {
	srv *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	requests []string
	silent   map[string]bool
	results  map[string]any
}

func newFakeDebugger(t *testing.T) *fakeDebugger {
	t.Helper()
	f := &fakeDebugger{
		silent:  make(map[string]bool),
		results: make(map[string]any),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		for {
			var req cdpRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			f.mu.Lock()
			f.requests = append(f.requests, req.Method)
			skip := f.silent[req.Method]
			result, hasResult := f.results[req.Method]
			f.mu.Unlock()
			if skip {
				continue
			}
			reply := map[string]any{"id": req.ID, "result": map[string]any{}}
			if hasResult {
				reply["result"] = result
			}
			f.write(reply)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDebugger) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeDebugger) write(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.WriteJSON(v)
	}
}

func (f *fakeDebugger) emit(method string, params any) {
	f.write(map[string]any{"method": method, "params": params})
}

func (f *fakeDebugger) dropConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close()
	}
}

func (f *fakeDebugger) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeDebugger) waitForRequests(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for f.requestCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("saw %d requests, want at least %d", f.requestCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startSession(t *testing.T, f *fakeDebugger, onFrame FrameHandler) (*Client, context.CancelFunc, chan error) {
	t.Helper()
	client := NewClient(f.url(), time.Second, 1<<20, onFrame)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()
	return client, cancel, runErr
}

func TestClientRunEnablesAndDeliversFrames(t *testing.T) {
	f := newFakeDebugger(t)
	frames := make(chan models.RawFrame, 16)
	_, cancel, runErr := startSession(t, f, func(frame models.RawFrame) { frames <- frame })

	// All three domain enables must complete; each needs its response read
	// back over the same connection.
	f.waitForRequests(t, 3)

	f.emit("Network.webSocketFrameReceived", map[string]any{
		"response": map[string]any{"opcode": 1, "payloadData": `{"price": 1.5}`},
	})
	f.emit("Network.webSocketFrameReceived", map[string]any{
		"response": map[string]any{"opcode": 2, "payloadData": "binary"},
	})
	f.emit("Network.webSocketFrameSent", map[string]any{
		"response": map[string]any{"opcode": 1, "payloadData": `{"join": "g1"}`},
	})
	f.emit("Runtime.consoleAPICalled", map[string]any{
		"args": []map[string]any{{"value": "[GAME]"}, {"value": "tick 5"}},
	})

	want := []struct {
		channel models.Channel
		payload string
	}{
		{models.ChannelWSIn, `{"price": 1.5}`},
		{models.ChannelWSOut, `{"join": "g1"}`},
		{models.ChannelConsole, "[GAME] tick 5"},
	}
	for _, w := range want {
		select {
		case frame := <-frames:
			if frame.Channel != w.channel || frame.Payload != w.payload {
				t.Errorf("frame: got %s %q, want %s %q", frame.Channel, frame.Payload, w.channel, w.payload)
			}
			if frame.TS == 0 {
				t.Error("frame must carry an arrival timestamp")
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("no frame delivered for %s", w.channel)
		}
	}
	select {
	case frame := <-frames:
		t.Errorf("binary frame must be skipped, got %q", frame.Payload)
	default:
	}

	cancel()
	<-runErr
}

func TestClientEvaluate(t *testing.T) {
	f := newFakeDebugger(t)
	f.results["Runtime.evaluate"] = map[string]any{
		"result": map[string]any{"value": `{"status": "live"}`},
	}
	client, cancel, runErr := startSession(t, f, nil)
	f.waitForRequests(t, 3)

	got, err := client.Evaluate(context.Background(), "sample()")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != `{"status": "live"}` {
		t.Errorf("Evaluate: got %q", got)
	}

	cancel()
	<-runErr
}

func TestClientEvaluateSurfacesPageException(t *testing.T) {
	f := newFakeDebugger(t)
	f.results["Runtime.evaluate"] = map[string]any{
		"result":           map[string]any{},
		"exceptionDetails": map[string]any{"text": "ReferenceError"},
	}
	client, cancel, runErr := startSession(t, f, nil)
	f.waitForRequests(t, 3)

	if _, err := client.Evaluate(context.Background(), "sample()"); err == nil {
		t.Error("a page exception must surface as an error")
	}

	cancel()
	<-runErr
}

func TestInFlightCallFailsOnDisconnect(t *testing.T) {
	f := newFakeDebugger(t)
	f.silent["Runtime.evaluate"] = true
	client, _, runErr := startSession(t, f, nil)
	f.waitForRequests(t, 3)

	evalErr := make(chan error, 1)
	go func() {
		_, err := client.Evaluate(context.Background(), "sample()")
		evalErr <- err
	}()
	f.waitForRequests(t, 4)
	f.dropConn()

	// The waiter must be released when the session dies, not at process
	// shutdown; a blocked Evaluate here starves the DOM-poll path forever.
	select {
	case err := <-evalErr:
		if err == nil {
			t.Error("expected an error from the interrupted call")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight call still blocked after disconnect")
	}

	if err := <-runErr; err == nil {
		t.Error("Run must report the lost connection")
	}
}

func TestRunWithoutConnect(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/devtools", time.Second, 1<<20, nil)
	if err := client.Run(context.Background()); err == nil {
		t.Error("Run before Connect must fail")
	}
}

func TestConsoleArgsFallBackToRawJSON(t *testing.T) {
	f := newFakeDebugger(t)
	frames := make(chan models.RawFrame, 1)
	_, cancel, runErr := startSession(t, f, func(frame models.RawFrame) { frames <- frame })
	f.waitForRequests(t, 3)

	// Non-string console arguments are forwarded as their JSON text.
	f.emit("Runtime.consoleAPICalled", map[string]any{
		"args": []map[string]any{{"value": json.RawMessage(`{"price":2.1}`)}},
	})
	select {
	case frame := <-frames:
		if frame.Channel != models.ChannelConsole || frame.Payload != `{"price":2.1}` {
			t.Errorf("got %s %q", frame.Channel, frame.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no console frame delivered")
	}

	cancel()
	<-runErr
}
