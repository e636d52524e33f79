package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mkarel/priorq/internal/broker"
	"github.com/mkarel/priorq/internal/consumer"
	"github.com/mkarel/priorq/internal/queue"
	"github.com/mkarel/priorq/internal/subs"
	"github.com/mkarel/priorq/internal/types"
)

// popPollInterval is how often a waiting pop re-checks the queue. The HTTP
// surface long-polls instead of parking a goroutine in the blocking Pop, so a
// vanished client releases its handler at the next tick.
const popPollInterval = 25 * time.Millisecond

// maxWaitMs caps the long-poll duration of /pop and /pop_ack.
const maxWaitMs = 60_000

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker   *broker.Broker
	consumer *consumer.Manager // may be nil if webhook push is disabled
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

// pushEntry is one message in a push request. The body is a JSON array of
// these; a bare object is accepted as a one-element array.
type pushEntry struct {
	ID      string `json:"id"`      // empty = server-generated
	Payload string `json:"payload"` // base64-encoded; optional
	Pri     int    `json:"pri"`
	DelayMs int64  `json:"delay_ms"`
}

type pushResp struct {
	IDs []string `json:"ids"`
}

type popReq struct {
	WaitMs int64 `json:"wait_ms"`
}

type popResp struct {
	ID      string `json:"id"`
	Token   string `json:"token"`
	Payload string `json:"payload,omitempty"` // base64
}

type ackReq struct {
	ID      string `json:"id"`
	Token   string `json:"token"`
	Requeue bool   `json:"requeue"`
	DelayMs int64  `json:"delay_ms"`
}

type popAckReq struct {
	ackReq
	WaitMs int64 `json:"wait_ms"`
}

type countResp struct {
	Type     string `json:"type"`
	Capacity int    `json:"capacity"`
	Active   int    `json:"active"`
	Failed   int    `json:"failed"`
	Free     int    `json:"free"`
	Queued   int    `json:"queued"`
	Running  int    `json:"running"`
}

type failedResp struct {
	IDs []string `json:"ids"`
}

type eraseReq struct {
	IDs []string `json:"ids"`
}

type eraseResp struct {
	Erased []string `json:"erased"`
}

type subscribeReq struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type subscribeResp struct {
	ID string `json:"id"`
}

type healthResp struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

var startTime = time.Now()

// ─── Health / ping ────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  "1.0.0",
	})
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"type": "pong"})
}

// ─── Push ─────────────────────────────────────────────────────────────────────

func (h *Handler) push(w http.ResponseWriter, r *http.Request) {
	entries, ok := decodePush(w, r)
	if !ok {
		return
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		payload, err := base64.StdEncoding.DecodeString(e.Payload)
		if err != nil {
			// Treat non-base64 as raw UTF-8 bytes.
			payload = []byte(e.Payload)
		}
		if len(payload) == 0 {
			payload = nil
		}

		id, err := h.broker.Push(e.ID, payload, e.Pri, msToDuration(e.DelayMs))
		if err != nil {
			writeQueueError(w, err)
			return
		}
		ids = append(ids, id)
	}
	writeJSON(w, http.StatusCreated, pushResp{IDs: ids})
}

// decodePush accepts either a JSON array of pushEntry or a single object.
func decodePush(w http.ResponseWriter, r *http.Request) ([]pushEntry, bool) {
	var raw json.RawMessage
	if !decodeJSON(w, r, &raw) {
		return nil, false
	}

	var entries []pushEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		var single pushEntry
		if err := json.Unmarshal(raw, &single); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be a message or an array of messages"})
			return nil, false
		}
		entries = []pushEntry{single}
	}
	if len(entries) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no messages in request"})
		return nil, false
	}
	return entries, true
}

// ─── Pop / PopAck ─────────────────────────────────────────────────────────────

func (h *Handler) pop(w http.ResponseWriter, r *http.Request) {
	var req popReq
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	msg, ok := h.popWait(r, req.WaitMs)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toPopResp(msg))
}

func (h *Handler) popAck(w http.ResponseWriter, r *http.Request) {
	var req popAckReq
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.broker.Ack(req.ID, req.Token, req.Requeue, msToDuration(req.DelayMs)); err != nil {
		writeQueueError(w, err)
		return
	}

	msg, ok := h.popWait(r, req.WaitMs)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toPopResp(msg))
}

// popWait polls TryPop until a message arrives, waitMs elapses, or the client
// goes away. waitMs <= 0 checks exactly once.
func (h *Handler) popWait(r *http.Request, waitMs int64) (types.Message, bool) {
	if msg, ok := h.broker.TryPop(); ok {
		return msg, true
	}
	if waitMs <= 0 {
		return types.Message{}, false
	}
	if waitMs > maxWaitMs {
		waitMs = maxWaitMs
	}

	deadline := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
	defer deadline.Stop()
	ticker := time.NewTicker(popPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return types.Message{}, false
		case <-deadline.C:
			return types.Message{}, false
		case <-ticker.C:
			if msg, ok := h.broker.TryPop(); ok {
				return msg, true
			}
		}
	}
}

func toPopResp(msg types.Message) popResp {
	resp := popResp{ID: msg.ID, Token: msg.Token}
	if len(msg.Payload) > 0 {
		resp.Payload = base64.StdEncoding.EncodeToString(msg.Payload)
	}
	return resp
}

// ─── Ack ─────────────────────────────────────────────────────────────────────

func (h *Handler) ack(w http.ResponseWriter, r *http.Request) {
	var req ackReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.broker.Ack(req.ID, req.Token, req.Requeue, msToDuration(req.DelayMs)); err != nil {
		writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Introspection ───────────────────────────────────────────────────────────

func (h *Handler) count(w http.ResponseWriter, r *http.Request) {
	active, failed, free := h.broker.Counts()
	writeJSON(w, http.StatusOK, countResp{
		Type:     "count",
		Capacity: h.broker.Capacity(),
		Active:   active,
		Failed:   failed,
		Free:     free,
		Queued:   h.broker.QueuedCount(),
		Running:  h.broker.RunningCount(),
	})
}

func (h *Handler) failed(w http.ResponseWriter, r *http.Request) {
	ids := h.broker.Failed()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, failedResp{IDs: ids})
}

func (h *Handler) eraseFailed(w http.ResponseWriter, r *http.Request) {
	var req eraseReq
	if !decodeJSON(w, r, &req) {
		return
	}
	erased := h.broker.EraseFailed(req.IDs)
	if erased == nil {
		erased = []string{}
	}
	writeJSON(w, http.StatusOK, eraseResp{Erased: erased})
}

// ─── Subscriptions (webhook push) ─────────────────────────────────────────────

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	if h.consumer == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "webhook push not configured"})
		return
	}
	var req subscribeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}

	sub, err := h.consumer.Register(req.URL, req.Secret)
	if err != nil {
		if errors.Is(err, subs.ErrInvalidURL) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, subscribeResp{ID: sub.ID})
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	if h.consumer == nil {
		writeJSON(w, http.StatusOK, map[string]any{"subscriptions": []any{}})
		return
	}
	all, err := h.consumer.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type item struct {
		ID        string `json:"id"`
		URL       string `json:"url"`
		CreatedAt int64  `json:"created_at"`
	}
	items := make([]item, 0, len(all))
	for _, s := range all {
		items = append(items, item{ID: s.ID, URL: s.URL, CreatedAt: s.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": items})
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if h.consumer == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "webhook push not configured"})
		return
	}
	id := r.PathValue("id")
	if err := h.consumer.Deregister(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// writeQueueError maps queue sentinel errors onto HTTP status codes.
func writeQueueError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrInvalidPriority):
		code = http.StatusBadRequest
	case errors.Is(err, queue.ErrDuplicateID):
		code = http.StatusConflict
	case errors.Is(err, queue.ErrCapacity):
		code = http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrNoSuchMessage):
		code = http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidToken):
		code = http.StatusGone
	case errors.Is(err, queue.ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, queue.ErrClosed):
		code = http.StatusServiceUnavailable
	}
	writeError(w, code, err)
}

func msToDuration(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
