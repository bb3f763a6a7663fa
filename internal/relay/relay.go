// Package relay distributes deployment log lines to live viewers over Redis pub/sub and
// keeps a bounded replay history per project slug.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/devport/internal/domain"
	"github.com/splax/devport/internal/ws"
)

const (
	channelPrefix = "logs:"
	historyPrefix = "logs-list:"

	// DefaultHistoryLimit bounds the replay history kept per slug.
	DefaultHistoryLimit = 1000
)

// Envelope types sent to subscribers.
const (
	TypeLog    = "log"
	TypeStatus = "status"
)

// Envelope is the payload broadcast on a log channel.
type Envelope struct {
	Type         string                  `json:"type"`
	Log          string                  `json:"log,omitempty"`
	Status       domain.DeploymentStatus `json:"status,omitempty"`
	DeploymentID string                  `json:"deploymentId,omitempty"`
	Timestamp    time.Time               `json:"timestamp"`
}

// Options configures a Relay.
type Options struct {
	HistoryLimit int
	Logger       *slog.Logger
}

// Relay publishes log lines and fans live messages into a hub.
type Relay struct {
	client redis.UniversalClient
	hub    *ws.Hub
	limit  int
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	gates map[gateKey]*gatedSubscriber
}

type gateKey struct {
	channel string
	sub     ws.Subscriber
}

// New builds a relay. hub may be nil for publish-only processes such as workers.
func New(client redis.UniversalClient, hub *ws.Hub, opts Options) (*Relay, error) {
	if client == nil {
		return nil, errors.New("relay: redis client is required")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		client: client,
		hub:    hub,
		limit:  opts.HistoryLimit,
		logger: opts.Logger.With("component", "relay"),
		now:    time.Now,
		gates:  make(map[gateKey]*gatedSubscriber),
	}, nil
}

// ChannelKey returns the pub/sub channel carrying a slug's log stream.
func ChannelKey(slug string) string {
	return channelPrefix + slug
}

// SlugFromChannel extracts the slug from a channel key.
func SlugFromChannel(channel string) (string, bool) {
	slug, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok || slug == "" {
		return "", false
	}
	return slug, true
}

func historyKey(slug string) string {
	return historyPrefix + slug
}

// Publish appends text to the slug's history, trims it to the newest entries and
// broadcasts it, all in one transaction.
func (r *Relay) Publish(ctx context.Context, slug, text string) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return errors.New("relay: slug is required")
	}
	entry := domain.LogEntry{Log: text, Timestamp: r.now().UTC()}
	stored, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	live, err := json.Marshal(Envelope{Type: TypeLog, Log: entry.Log, Timestamp: entry.Timestamp})
	if err != nil {
		return fmt.Errorf("encode log envelope: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, historyKey(slug), stored)
		pipe.LTrim(ctx, historyKey(slug), int64(-r.limit), -1)
		pipe.Publish(ctx, ChannelKey(slug), live)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish log for %s: %w", slug, err)
	}
	return nil
}

// PublishStatus broadcasts a status change. Status events are not kept in history.
func (r *Relay) PublishStatus(ctx context.Context, slug, deploymentID string, status domain.DeploymentStatus) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return errors.New("relay: slug is required")
	}
	payload, err := json.Marshal(Envelope{
		Type:         TypeStatus,
		Status:       status,
		DeploymentID: deploymentID,
		Timestamp:    r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode status envelope: %w", err)
	}
	if err := r.client.Publish(ctx, ChannelKey(slug), payload).Err(); err != nil {
		return fmt.Errorf("publish status for %s: %w", slug, err)
	}
	return nil
}

// History returns the retained entries for slug, oldest first.
func (r *Relay) History(ctx context.Context, slug string) ([]domain.LogEntry, error) {
	raw, err := r.client.LRange(ctx, historyKey(slug), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []domain.LogEntry{}, nil
		}
		return nil, fmt.Errorf("read history for %s: %w", slug, err)
	}
	entries := make([]domain.LogEntry, 0, len(raw))
	for _, item := range raw {
		var entry domain.LogEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			r.logger.Warn("skipping undecodable history entry", "project_slug", slug, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Start subscribes to every log channel and fans messages into the hub until ctx ends.
// It returns once the subscription is confirmed by the server.
func (r *Relay) Start(ctx context.Context) error {
	if r.hub == nil {
		return errors.New("relay: hub is required to start fan-out")
	}
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe to log channels: %w", err)
	}
	r.logger.Info("log relay subscribed", "pattern", channelPrefix+"*")
	messages := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				r.hub.Broadcast(msg.Channel, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

// Subscribe attaches sub to channel. The subscriber first receives the slug's history,
// then every live message published after the call, without duplicates.
func (r *Relay) Subscribe(ctx context.Context, channel string, sub ws.Subscriber) error {
	if r.hub == nil {
		return errors.New("relay: hub is required to subscribe")
	}
	slug, ok := SlugFromChannel(channel)
	if !ok {
		return fmt.Errorf("relay: invalid channel %q", channel)
	}
	gate := newGatedSubscriber(sub)
	key := gateKey{channel: channel, sub: sub}
	r.mu.Lock()
	if _, exists := r.gates[key]; exists {
		r.mu.Unlock()
		return nil
	}
	r.gates[key] = gate
	r.mu.Unlock()

	r.hub.Register(channel, gate)

	history, err := r.History(ctx, slug)
	if err != nil {
		r.Unsubscribe(channel, sub)
		return err
	}
	replayed := make(map[string]struct{}, len(history))
	for _, entry := range history {
		payload, err := json.Marshal(Envelope{Type: TypeLog, Log: entry.Log, Timestamp: entry.Timestamp})
		if err != nil {
			continue
		}
		if err := sub.Send(payload); err != nil {
			r.Unsubscribe(channel, sub)
			return fmt.Errorf("replay history: %w", err)
		}
		replayed[dedupeKey(entry.Log, entry.Timestamp)] = struct{}{}
	}
	if err := gate.open(replayed); err != nil {
		r.Unsubscribe(channel, sub)
		return fmt.Errorf("flush buffered messages: %w", err)
	}
	r.logger.Debug("subscriber attached", "channel", channel, "replayed", len(history))
	return nil
}

// Unsubscribe detaches sub from channel.
func (r *Relay) Unsubscribe(channel string, sub ws.Subscriber) {
	key := gateKey{channel: channel, sub: sub}
	r.mu.Lock()
	gate, ok := r.gates[key]
	delete(r.gates, key)
	r.mu.Unlock()
	if ok && r.hub != nil {
		r.hub.Unregister(channel, gate)
	}
}

func dedupeKey(text string, ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano) + "|" + text
}
