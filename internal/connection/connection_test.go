package connection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/taigaio/events-gateway/internal/auth"
	"github.com/taigaio/events-gateway/internal/broker/brokertest"
	"github.com/taigaio/events-gateway/internal/socket/sockettest"
)

const testSecret = "test-secret"

func runUntilDone(t *testing.T, h *Handler) chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.Run()
		close(done)
	}()
	return done
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return in time")
	}
}

func cmdJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return data
}

// S3 — bad token: one error frame, then connection closes.
func TestHandler_S3_BadToken(t *testing.T) {
	sock := sockettest.New("1.2.3.4:1")
	fb := brokertest.New()
	v := auth.NewVerifier(testSecret)
	h := New(context.Background(), sock, v, fb, nil, nil)

	sock.Push(cmdJSON(t, Command{Cmd: "auth", Data: &authData{Token: "garbage", SessionID: "s1"}}))

	done := runUntilDone(t, h)
	waitDone(t, done)

	if len(sock.Written) != 1 {
		t.Fatalf("expected exactly 1 error frame, got %d", len(sock.Written))
	}
	var got map[string]string
	if err := json.Unmarshal(sock.Written[0], &got); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	if _, ok := got["error"]; !ok {
		t.Errorf("expected an 'error' field, got %v", got)
	}
	if !sock.IsClosed() {
		t.Error("expected socket to be closed after bad auth")
	}
}

// S4 — unauth command: subscribing before auth creates no pump, sends
// no error, and leaves the connection open.
func TestHandler_S4_UnauthCommand(t *testing.T) {
	sock := sockettest.New("1.2.3.4:1")
	fb := brokertest.New()
	v := auth.NewVerifier(testSecret)
	h := New(context.Background(), sock, v, fb, nil, nil)

	sock.Push(cmdJSON(t, Command{Cmd: "subscribe", RoutingKey: "x"}))

	done := runUntilDone(t, h)

	time.Sleep(20 * time.Millisecond)
	if len(fb.SubscribeLog) != 0 {
		t.Errorf("expected no broker subscription, got %v", fb.SubscribeLog)
	}
	if len(sock.Written) != 0 {
		t.Errorf("expected no frames written, got %d", len(sock.Written))
	}
	if sock.IsClosed() {
		t.Error("connection should remain open after an unauth command")
	}

	h.Close()
	waitDone(t, done)
}

func TestHandler_HappyPath_AuthThenSubscribe(t *testing.T) {
	sock := sockettest.New("1.2.3.4:1")
	fb := brokertest.New()
	v := auth.NewVerifier(testSecret)
	h := New(context.Background(), sock, v, fb, nil, nil)

	token := auth.Sign(testSecret, 7, nil)
	sock.Push(cmdJSON(t, Command{Cmd: "auth", Data: &authData{Token: token, SessionID: "s1"}}))
	sock.Push(cmdJSON(t, Command{Cmd: "subscribe", RoutingKey: "project.42.changes"}))

	done := runUntilDone(t, h)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(fb.SubscribeLog) == 0 {
		time.Sleep(time.Millisecond)
	}
	if len(fb.SubscribeLog) != 1 || fb.SubscribeLog[0] != "project.42.changes" {
		t.Fatalf("expected one subscription to project.42.changes, got %v", fb.SubscribeLog)
	}
	if h.State() != Auth {
		t.Errorf("state = %v, want Auth", h.State())
	}

	h.Close()
	waitDone(t, done)
}

// Command serialization: subscribe immediately followed by unsubscribe
// of the same key must leave no active pump (spec §4.D, §5).
func TestHandler_SubscribeThenUnsubscribe_NoActivePump(t *testing.T) {
	sock := sockettest.New("1.2.3.4:1")
	fb := brokertest.New()
	v := auth.NewVerifier(testSecret)
	h := New(context.Background(), sock, v, fb, nil, nil)

	token := auth.Sign(testSecret, 7, nil)
	sock.Push(cmdJSON(t, Command{Cmd: "auth", Data: &authData{Token: token, SessionID: "s1"}}))
	sock.Push(cmdJSON(t, Command{Cmd: "subscribe", RoutingKey: "project.42.changes"}))
	sock.Push(cmdJSON(t, Command{Cmd: "unsubscribe", RoutingKey: "project.42.changes"}))

	done := runUntilDone(t, h)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && fb.OpenCount() != 0 {
		time.Sleep(time.Millisecond)
	}
	if fb.OpenCount() != 0 {
		t.Errorf("expected 0 open subscriptions, got %d", fb.OpenCount())
	}

	h.Close()
	waitDone(t, done)
}

// Second auth command is rejected as MalformedCommand (spec §9).
func TestHandler_SecondAuth_Rejected(t *testing.T) {
	sock := sockettest.New("1.2.3.4:1")
	fb := brokertest.New()
	v := auth.NewVerifier(testSecret)
	h := New(context.Background(), sock, v, fb, nil, nil)

	token := auth.Sign(testSecret, 7, nil)
	sock.Push(cmdJSON(t, Command{Cmd: "auth", Data: &authData{Token: token, SessionID: "s1"}}))
	sock.Push(cmdJSON(t, Command{Cmd: "auth", Data: &authData{Token: token, SessionID: "s2"}}))

	done := runUntilDone(t, h)

	time.Sleep(20 * time.Millisecond)
	if len(sock.Written) != 0 {
		t.Errorf("expected no error frame for rejected second auth, got %d", len(sock.Written))
	}

	h.Close()
	waitDone(t, done)
}

// S6 — abrupt disconnect: all pumps are stopped and their broker
// subscriptions closed.
func TestHandler_S6_AbruptDisconnect(t *testing.T) {
	sock := sockettest.New("1.2.3.4:1")
	fb := brokertest.New()
	v := auth.NewVerifier(testSecret)
	h := New(context.Background(), sock, v, fb, nil, nil)

	token := auth.Sign(testSecret, 7, nil)
	sock.Push(cmdJSON(t, Command{Cmd: "auth", Data: &authData{Token: token, SessionID: "s1"}}))
	sock.Push(cmdJSON(t, Command{Cmd: "subscribe", RoutingKey: "project.1.changes"}))
	sock.Push(cmdJSON(t, Command{Cmd: "subscribe", RoutingKey: "project.2.changes"}))

	done := runUntilDone(t, h)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(fb.SubscribeLog) != 2 {
		time.Sleep(time.Millisecond)
	}
	if len(fb.SubscribeLog) != 2 {
		t.Fatalf("expected 2 subscriptions before disconnect, got %v", fb.SubscribeLog)
	}

	sock.Close() // simulate peer closing the socket

	waitDone(t, done)
	if fb.OpenCount() != 0 {
		t.Errorf("expected 0 open subscriptions after abrupt disconnect, got %d", fb.OpenCount())
	}
	if h.State() != Terminated {
		t.Errorf("state = %v, want Terminated", h.State())
	}
}

func TestHandler_MalformedJSON_StaysOpen(t *testing.T) {
	sock := sockettest.New("1.2.3.4:1")
	fb := brokertest.New()
	v := auth.NewVerifier(testSecret)
	h := New(context.Background(), sock, v, fb, nil, nil)

	sock.Push([]byte("not json"))

	done := runUntilDone(t, h)
	time.Sleep(20 * time.Millisecond)
	if sock.IsClosed() {
		t.Error("connection should stay open after malformed JSON")
	}

	h.Close()
	waitDone(t, done)
}
