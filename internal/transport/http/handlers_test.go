package http_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mkarel/priorq/internal/broker"
	"github.com/mkarel/priorq/internal/config"
	"github.com/mkarel/priorq/internal/queue"
	transphttp "github.com/mkarel/priorq/internal/transport/http"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func newServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	cfg.Queue.Priorities = 3
	cfg.Queue.Capacity = 10
	cfg.Queue.AckTimeoutMs = 0 // keep the monitor out of these tests
	if mutate != nil {
		mutate(cfg)
	}

	b, err := broker.New(queue.Config{
		Priorities:   cfg.Queue.Priorities,
		Capacity:     cfg.Queue.Capacity,
		AckTimeout:   cfg.Queue.AckTimeout(),
		MaxRetries:   cfg.Queue.MaxRetries,
		BoostTimeout: cfg.Queue.BoostTimeout(),
		PollInterval: cfg.Queue.PollInterval(),
	})
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	srv := httptest.NewServer(transphttp.New(b, nil, cfg, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type popBody struct {
	ID      string `json:"id"`
	Token   string `json:"token"`
	Payload string `json:"payload"`
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestHTTP_PushPopAckRoundTrip(t *testing.T) {
	srv := newServer(t, nil)

	resp := postJSON(t, srv.URL+"/push", []map[string]any{
		{"id": "m1", "payload": "aGVsbG8=", "pri": 0}, // "hello"
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("push status = %d, want 201", resp.StatusCode)
	}
	pushed := decodeBody[struct {
		IDs []string `json:"ids"`
	}](t, resp)
	if len(pushed.IDs) != 1 || pushed.IDs[0] != "m1" {
		t.Fatalf("push ids = %v, want [m1]", pushed.IDs)
	}

	resp = postJSON(t, srv.URL+"/pop", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pop status = %d, want 200", resp.StatusCode)
	}
	msg := decodeBody[popBody](t, resp)
	if msg.ID != "m1" || msg.Token == "" || msg.Payload != "aGVsbG8=" {
		t.Fatalf("pop = %+v, want m1 with token and payload", msg)
	}

	resp = postJSON(t, srv.URL+"/ack", map[string]any{
		"id": msg.ID, "token": msg.Token, "requeue": false,
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("ack status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/count")
	if err != nil {
		t.Fatalf("GET /count: %v", err)
	}
	counts := decodeBody[struct {
		Type   string `json:"type"`
		Active int    `json:"active"`
		Free   int    `json:"free"`
	}](t, resp)
	if counts.Type != "count" || counts.Active != 0 || counts.Free != 10 {
		t.Fatalf("count = %+v, want type=count active=0 free=10", counts)
	}
}

func TestHTTP_PushAcceptsSingleObject(t *testing.T) {
	srv := newServer(t, nil)

	resp := postJSON(t, srv.URL+"/push", map[string]any{"id": "solo", "pri": 1})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("push status = %d, want 201", resp.StatusCode)
	}
	pushed := decodeBody[struct {
		IDs []string `json:"ids"`
	}](t, resp)
	if len(pushed.IDs) != 1 || pushed.IDs[0] != "solo" {
		t.Fatalf("push ids = %v, want [solo]", pushed.IDs)
	}
}

func TestHTTP_PushErrors(t *testing.T) {
	srv := newServer(t, nil)

	resp := postJSON(t, srv.URL+"/push", []map[string]any{{"id": "x", "pri": 9}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad priority status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/push", []map[string]any{{"id": "dup", "pri": 0}})
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/push", []map[string]any{{"id": "dup", "pri": 0}})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHTTP_PopEmptyReturns204(t *testing.T) {
	srv := newServer(t, nil)

	resp := postJSON(t, srv.URL+"/pop", map[string]any{})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("pop status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHTTP_PopLongPollPicksUpLatePush(t *testing.T) {
	srv := newServer(t, nil)

	done := make(chan popBody, 1)
	go func() {
		data, _ := json.Marshal(map[string]any{"wait_ms": 5000})
		resp, err := http.Post(srv.URL+"/pop", "application/json", bytes.NewReader(data))
		if err != nil {
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			var msg popBody
			if json.NewDecoder(resp.Body).Decode(&msg) == nil {
				done <- msg
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	resp := postJSON(t, srv.URL+"/push", []map[string]any{{"id": "late", "pri": 0}})
	resp.Body.Close()

	select {
	case msg := <-done:
		if msg.ID != "late" {
			t.Fatalf("long-poll pop = %q, want %q", msg.ID, "late")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("long-poll pop never returned")
	}
}

func TestHTTP_AckErrorMapping(t *testing.T) {
	srv := newServer(t, nil)

	// Unknown ID → 404.
	resp := postJSON(t, srv.URL+"/ack", map[string]any{"id": "ghost", "token": "t"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown ack status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	// Wrong token → 410.
	resp = postJSON(t, srv.URL+"/push", []map[string]any{{"id": "a", "pri": 0}})
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/pop", map[string]any{})
	msg := decodeBody[popBody](t, resp)

	resp = postJSON(t, srv.URL+"/ack", map[string]any{"id": "a", "token": "bogus"})
	if resp.StatusCode != http.StatusGone {
		t.Errorf("stale token status = %d, want 410", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/ack", map[string]any{"id": "a", "token": msg.Token})
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("valid ack status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHTTP_PopAck(t *testing.T) {
	srv := newServer(t, nil)

	resp := postJSON(t, srv.URL+"/push", []map[string]any{
		{"id": "first", "pri": 0},
		{"id": "second", "pri": 0},
	})
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/pop", map[string]any{})
	first := decodeBody[popBody](t, resp)
	if first.ID != "first" {
		t.Fatalf("pop = %q, want %q", first.ID, "first")
	}

	resp = postJSON(t, srv.URL+"/pop_ack", map[string]any{
		"id": first.ID, "token": first.Token, "requeue": false,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pop_ack status = %d, want 200", resp.StatusCode)
	}
	second := decodeBody[popBody](t, resp)
	if second.ID != "second" {
		t.Fatalf("pop_ack = %q, want %q", second.ID, "second")
	}
}

func TestHTTP_Ping(t *testing.T) {
	srv := newServer(t, nil)

	resp := postJSON(t, srv.URL+"/ping", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ping status = %d, want 200", resp.StatusCode)
	}
	pong := decodeBody[map[string]string](t, resp)
	if pong["type"] != "pong" {
		t.Fatalf("ping = %v, want type=pong", pong)
	}
}

func TestHTTP_AuthMiddleware(t *testing.T) {
	srv := newServer(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "secret-key"
	})

	resp, err := http.Get(srv.URL + "/count")
	if err != nil {
		t.Fatalf("GET /count: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/count", nil)
	req.Header.Set("X-Api-Key", "secret-key")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /count with key: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHTTP_FailedAndErase(t *testing.T) {
	srv := newServer(t, func(c *config.Config) {
		c.Queue.AckTimeoutMs = 100
		c.Queue.MaxRetries = 1
		c.Queue.PollIntervalMs = 25
	})

	resp := postJSON(t, srv.URL+"/push", []map[string]any{{"id": "doomed", "pri": 0}})
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/pop", map[string]any{})
	resp.Body.Close()

	// Never ack; MaxRetries=1 fails the message on the first timeout.
	deadline := time.Now().Add(3 * time.Second)
	var failed struct {
		IDs []string `json:"ids"`
	}
	for time.Now().Before(deadline) {
		r, err := http.Get(srv.URL + "/failed")
		if err != nil {
			t.Fatalf("GET /failed: %v", err)
		}
		failed = decodeBody[struct {
			IDs []string `json:"ids"`
		}](t, r)
		if len(failed.IDs) == 1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(failed.IDs) != 1 || failed.IDs[0] != "doomed" {
		t.Fatalf("failed ids = %v, want [doomed]", failed.IDs)
	}

	resp = postJSON(t, srv.URL+"/failed/erase", map[string]any{"ids": []string{"doomed"}})
	erased := decodeBody[struct {
		Erased []string `json:"erased"`
	}](t, resp)
	if len(erased.Erased) != 1 || erased.Erased[0] != "doomed" {
		t.Fatalf("erased = %v, want [doomed]", erased.Erased)
	}

	// Second erase is a no-op.
	resp = postJSON(t, srv.URL+"/failed/erase", map[string]any{"ids": []string{"doomed"}})
	erased = decodeBody[struct {
		Erased []string `json:"erased"`
	}](t, resp)
	if len(erased.Erased) != 0 {
		t.Fatalf("second erase = %v, want empty", erased.Erased)
	}
}
