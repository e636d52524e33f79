package consumer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mkarel/priorq/internal/subs"
	"github.com/mkarel/priorq/internal/types"
)

// webhookPayload is the JSON body POSTed to the webhook URL.
type webhookPayload struct {
	ID      string `json:"id"`
	Payload string `json:"payload,omitempty"` // base64-encoded
	Token   string `json:"token"`
}

// deliverMessage POSTs msg to the subscription URL.
// Returns nil only when the endpoint responds with HTTP 200 OK.
func deliverMessage(ctx context.Context, client *http.Client, sub *subs.Subscription, msg types.Message) error {
	p := webhookPayload{
		ID:    msg.ID,
		Token: msg.Token,
	}
	if len(msg.Payload) > 0 {
		p.Payload = base64.StdEncoding.EncodeToString(msg.Payload)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("consumer: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("consumer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Sign the request body when a secret is provided.
	if sub.Secret != "" {
		mac := hmac.New(sha256.New, []byte(sub.Secret))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set("X-Priorq-Signature", "sha256="+sig)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("consumer: POST to %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("consumer: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
