package server

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mnemo-ai/mnemo/internal/storage"
)

// Broker fans out Postgres LISTEN/NOTIFY messages to SSE subscribers: the
// orchestrator announces completed turns and the write pipeline announces
// new contradictions, and any connected operator UI sees them live.
// It runs a background goroutine that calls db.WaitForNotification in a
// loop and broadcasts each payload to every subscriber.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start begins listening on the chat-done and contradiction channels.
// It blocks, so call it in a goroutine. Returns when ctx is cancelled.
// Each Listen call is retried with exponential backoff (up to 5 attempts)
// to handle transient connection issues during startup.
func (b *Broker) Start(ctx context.Context) {
	channels := []string{storage.ChannelChatDone, storage.ChannelContradiction}
	for _, ch := range channels {
		if err := b.listenWithRetry(ctx, ch); err != nil {
			b.logger.Error("broker: failed to listen after retries, giving up",
				"channel", ch, "error", err)
			return
		}
	}

	b.logger.Info("broker: listening for notifications", "channels", channels)

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		b.broadcast(formatSSE(channel, payload))
	}
}

// listenWithRetry attempts to subscribe to a Postgres LISTEN channel with
// exponential backoff. Returns nil on success, or the last error after 5 attempts.
func (b *Broker) listenWithRetry(ctx context.Context, ch string) error {
	const maxAttempts = 5
	var err error
	for attempt := range maxAttempts {
		if err = b.db.Listen(ctx, ch); err == nil {
			return nil
		}
		backoff := time.Duration(1<<attempt) * time.Second
		b.logger.Warn("broker: listen failed, retrying",
			"channel", ch, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("broker: listen %s failed after %d attempts: %w", ch, maxAttempts, err)
}

// Subscribe returns a channel that receives SSE-formatted events.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers. Slow subscribers with a full
// buffer are skipped to prevent one slow client from blocking the rest.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Warn("broker: dropped event for slow subscriber",
				"buffer_cap", cap(ch),
				"event_size", len(event))
		}
	}
}

// HandleSubscribe handles GET /subscribe: an SSE stream of memory events.
func (b *Broker) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event := <-ch:
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
// Per the SSE spec, each line in a multi-line data field must be
// prefixed with "data: " to avoid desynchronizing the client parser.
func formatSSE(eventType, data string) []byte {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(eventType)
	buf.WriteByte('\n')
	for _, line := range strings.Split(data, "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
