package relay

import (
	"encoding/json"
	"sync"

	"github.com/splax/devport/internal/ws"
)

// gatedSubscriber buffers live messages until the history replay finished.
type gatedSubscriber struct {
	mu     sync.Mutex
	inner  ws.Subscriber
	opened bool
	buffer [][]byte
}

func newGatedSubscriber(inner ws.Subscriber) *gatedSubscriber {
	return &gatedSubscriber{inner: inner}
}

func (g *gatedSubscriber) Send(payload []byte) error {
	g.mu.Lock()
	if !g.opened {
		g.buffer = append(g.buffer, append([]byte(nil), payload...))
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()
	return g.inner.Send(payload)
}

func (g *gatedSubscriber) Close() {
	g.inner.Close()
}

// open flushes buffered messages, skipping log lines already replayed, and switches the
// gate to pass-through.
func (g *gatedSubscriber) open(replayed map[string]struct{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, payload := range g.buffer {
		if isReplayed(payload, replayed) {
			continue
		}
		if err := g.inner.Send(payload); err != nil {
			g.buffer = nil
			return err
		}
	}
	g.buffer = nil
	g.opened = true
	return nil
}

func isReplayed(payload []byte, replayed map[string]struct{}) bool {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Type != TypeLog {
		return false
	}
	_, ok := replayed[dedupeKey(env.Log, env.Timestamp)]
	return ok
}
