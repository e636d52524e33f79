// Package consumer implements webhook push delivery.
//
// Each registered subscription runs its own delivery loop: it polls the
// broker, POSTs every popped message to the subscription URL, and acks on a
// 200 response. A failed delivery requeues the message with a short delay so
// a dead endpoint does not spin the queue hot.
package consumer

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mkarel/priorq/internal/broker"
	"github.com/mkarel/priorq/internal/subs"
)

// pollInterval is how often an idle delivery loop checks for messages.
const pollInterval = 500 * time.Millisecond

// redeliverDelay is the requeue delay applied after a failed delivery.
const redeliverDelay = 5 * time.Second

// Manager owns the delivery loops for all registered subscriptions.
type Manager struct {
	broker *broker.Broker
	store  *subs.Store

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewManager creates a Manager backed by the given subscription store.
func NewManager(b *broker.Broker, store *subs.Store) *Manager {
	return &Manager{
		broker: b,
		store:  store,
		active: make(map[string]context.CancelFunc),
	}
}

// Start launches a delivery loop for every persisted subscription.
func (m *Manager) Start() error {
	all, err := m.store.List()
	if err != nil {
		return err
	}
	for _, sub := range all {
		m.launch(sub)
	}
	if len(all) > 0 {
		slog.Info("webhook subscriptions restored", "count", len(all))
	}
	return nil
}

// Register persists a new subscription and starts its delivery loop.
func (m *Manager) Register(url, secret string) (*subs.Subscription, error) {
	sub, err := m.store.Add(url, secret)
	if err != nil {
		return nil, err
	}
	m.launch(sub)
	slog.Info("subscription registered", "id", sub.ID, "url", sub.URL)
	return sub, nil
}

// Deregister stops the delivery loop and removes the subscription.
func (m *Manager) Deregister(id string) error {
	if err := m.store.Remove(id); err != nil {
		return err
	}
	m.mu.Lock()
	cancel, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
	slog.Info("subscription deregistered", "id", id)
	return nil
}

// List returns every registered subscription.
func (m *Manager) List() ([]*subs.Subscription, error) {
	return m.store.List()
}

// Close stops all delivery loops. Registered subscriptions stay persisted.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.active {
		cancel()
	}
	m.active = make(map[string]context.CancelFunc)
}

// launch starts the delivery goroutine for sub.
func (m *Manager) launch(sub *subs.Subscription) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.active[sub.ID] = cancel
	m.mu.Unlock()
	go m.deliveryLoop(ctx, sub)
}

// deliveryLoop polls the broker and pushes messages to the webhook endpoint
// until the subscription is cancelled.
func (m *Manager) deliveryLoop(ctx context.Context, sub *subs.Subscription) {
	client := &http.Client{Timeout: 10 * time.Second}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				msg, ok := m.broker.TryPop()
				if !ok {
					break
				}
				if err := deliverMessage(ctx, client, sub, msg); err != nil {
					slog.Warn("webhook delivery failed, requeueing",
						"sub", sub.ID, "msg", msg.ID, "err", err)
					_ = m.broker.Ack(msg.ID, msg.Token, true, redeliverDelay)
				} else {
					_ = m.broker.Ack(msg.ID, msg.Token, false, 0)
				}
			}
		}
	}
}
