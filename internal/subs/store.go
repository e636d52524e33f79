// Package subs manages the webhook subscription registry.
//
// A subscription tells the broker to push popped messages to an HTTP endpoint
// instead of waiting for the endpoint to poll. Subscriptions are operator
// configuration, so they are persisted — in a bbolt file under the server's
// data directory — and restored on start. Message state itself is never
// persisted.
//
// bbolt is used because it is pure Go (no CGO, no external process), ACID,
// and a single file (subscriptions.db).
package subs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mkarel/priorq/internal/token"
)

var bucketSubs = []byte("subscriptions")

// ErrNotFound is returned when a subscription ID is not registered.
var ErrNotFound = errors.New("subs: subscription not found")

// ErrInvalidURL is returned when the target is not a plain http/https URL.
// Other URI schemes (file://, gopher://, …) are rejected to prevent SSRF.
var ErrInvalidURL = errors.New("subs: url must be an http or https URL")

// Subscription is the stored record for one webhook target.
type Subscription struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Secret    string `json:"secret,omitempty"` // HMAC signing key; empty = unsigned
	CreatedAt int64  `json:"created_at"`       // UTC milliseconds
}

// Store is the bbolt-backed subscription registry.
// All methods are safe for concurrent use (bbolt serialises writes).
type Store struct {
	db  *bbolt.DB
	ids *token.Source
}

// Open opens (or creates) the registry at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("subs: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSubs)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("subs: init bucket: %w", err)
	}

	return &Store{db: db, ids: token.NewSource()}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Add registers a new subscription and returns the stored record.
func (s *Store) Add(rawURL, secret string) (*Subscription, error) {
	if !validWebhookURL(rawURL) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	id, err := s.ids.New()
	if err != nil {
		return nil, fmt.Errorf("subs: generate ID: %w", err)
	}

	sub := &Subscription{
		ID:        id,
		URL:       rawURL,
		Secret:    secret,
		CreatedAt: time.Now().UnixMilli(),
	}
	val, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("subs: marshal: %w", err)
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubs).Put([]byte(id), val)
	}); err != nil {
		return nil, fmt.Errorf("subs: store %s: %w", id, err)
	}
	return sub, nil
}

// Remove deletes the subscription with the given ID.
// Returns ErrNotFound if it was never registered.
func (s *Store) Remove(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSubs)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return b.Delete([]byte(id))
	})
}

// Get returns the subscription with the given ID, or ErrNotFound.
func (s *Store) Get(id string) (*Subscription, error) {
	var sub Subscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketSubs).Get([]byte(id))
		if val == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(val, &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// List returns every registered subscription. Order follows bbolt's key
// order; IDs are ULIDs, so this is creation order.
func (s *Store) List() ([]*Subscription, error) {
	var out []*Subscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubs).ForEach(func(k, v []byte) error {
			var sub Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return fmt.Errorf("subs: parse %s: %w", k, err)
			}
			out = append(out, &sub)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// validWebhookURL checks that the target URL is a plain http or https address.
func validWebhookURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
