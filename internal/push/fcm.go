// Package push delivers ring notifications to registered devices. The FCM
// ringer implements the calls.Ringer contract on top of Firebase Cloud
// Messaging: start-ringing becomes a high-priority data message, and
// stop-ringing a cancel message for the same call.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/crosspoint/crosspoint/internal/call"
)

// sendTimeout bounds a single FCM delivery.
const sendTimeout = 10 * time.Second

// FCMRinger alerts registered devices about unanswered incoming calls via
// Firebase Cloud Messaging.
type FCMRinger struct {
	client *messaging.Client
	logger *slog.Logger

	mu      sync.Mutex
	tokens  map[string]struct{}
	ringing string
}

// NewFCMRinger initialises a Firebase app from the service-account JSON file
// at credentialsFile. If credentialsFile is empty, the SDK falls back to
// GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMRinger(ctx context.Context, credentialsFile string, logger *slog.Logger) (*FCMRinger, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	logger.Info("fcm ringer initialised")
	return &FCMRinger{
		client: client,
		logger: logger.With("subsystem", "fcm-ringer"),
		tokens: make(map[string]struct{}),
	}, nil
}

// RegisterToken adds a device registration token to the ring fan-out.
func (r *FCMRinger) RegisterToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = struct{}{}
}

// UnregisterToken removes a device registration token.
func (r *FCMRinger) UnregisterToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, token)
}

// StartRinging alerts all registered devices about c. Called on the event
// loop; delivery happens on a separate goroutine per device.
func (r *FCMRinger) StartRinging(c *call.Call) {
	contact := c.Contact()
	data := map[string]string{
		"type":        "ring",
		"call_id":     c.ID(),
		"handle":      c.Handle(),
		"caller_name": contact.DisplayName,
	}

	r.mu.Lock()
	r.ringing = c.ID()
	tokens := r.snapshotTokens()
	r.mu.Unlock()

	for _, token := range tokens {
		go r.send(token, data)
	}
}

// StopRinging tells devices to silence the alert for the current call.
func (r *FCMRinger) StopRinging() {
	r.mu.Lock()
	callID := r.ringing
	r.ringing = ""
	tokens := r.snapshotTokens()
	r.mu.Unlock()

	if callID == "" {
		return
	}

	data := map[string]string{
		"type":    "ring_cancel",
		"call_id": callID,
	}
	for _, token := range tokens {
		go r.send(token, data)
	}
}

// snapshotTokens copies the token set. Caller holds r.mu.
func (r *FCMRinger) snapshotTokens() []string {
	tokens := make([]string, 0, len(r.tokens))
	for t := range r.tokens {
		tokens = append(tokens, t)
	}
	return tokens
}

func (r *FCMRinger) send(token string, data map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	ttl := 30 * time.Second
	msg := &messaging.Message{
		Token: token,
		Data:  data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}

	id, err := r.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			r.logger.Info("dropping stale device token")
			r.UnregisterToken(token)
			return
		}
		r.logger.Error("fcm send failed", "error", err)
		return
	}
	r.logger.Debug("fcm message sent", "message_id", id, "call_id", data["call_id"])
}
