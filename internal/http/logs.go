package httpx

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/splax/devport/internal/domain"
	"github.com/splax/devport/internal/relay"
	"github.com/splax/devport/internal/ws"
)

const wsReadLimit = 4 << 10

type logsResponse struct {
	ProjectSlug string            `json:"projectSlug"`
	Logs        []domain.LogEntry `json:"logs"`
}

// controlMessage is what websocket clients send to pick channels.
type controlMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// controlReply acknowledges a control message.
type controlReply struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	slug := strings.ToLower(strings.TrimSpace(req.PathValue("slug")))
	entries, err := r.relay.History(req.Context(), slug)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if entries == nil {
		entries = []domain.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logsResponse{ProjectSlug: slug, Logs: entries})
}

// handleLogStream replays a slug's history then streams live lines as Server-Sent Events.
func (r *Router) handleLogStream(w http.ResponseWriter, req *http.Request) {
	slug := strings.ToLower(strings.TrimSpace(req.PathValue("slug")))
	if slug == "" {
		writeError(w, http.StatusBadRequest, "slug is required")
		return
	}
	client, ok := r.openEventStream(w)
	if !ok {
		return
	}
	channel := relay.ChannelKey(slug)
	if err := r.relay.Subscribe(req.Context(), channel, client); err != nil {
		r.logger.Warn("log stream subscribe failed", "channel", channel, "error", err)
		client.Close()
		return
	}
	defer func() {
		r.relay.Unsubscribe(channel, client)
		client.Close()
	}()
	defer r.metrics.streamOpened(streamLogsSSE)()
	holdEventStream(req.Context(), client)
}

// handleLogsWS upgrades to a websocket. Clients join channels with
// {"action":"subscribe","channel":"logs:<slug>"} or the channel query parameter.
func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	initial := strings.TrimSpace(req.URL.Query().Get("channel"))
	if initial != "" {
		if _, ok := relay.SlugFromChannel(initial); !ok {
			writeError(w, http.StatusBadRequest, "channel must look like logs:<slug>")
			return
		}
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)
	client := ws.NewClient(conn, r.logger)
	defer r.metrics.streamOpened(streamLogsWS)()
	ctx := req.Context()
	joined := make(map[string]struct{})

	subscribe := func(channel string) {
		if _, ok := joined[channel]; ok {
			r.reply(client, controlReply{Type: "subscribed", Channel: channel})
			return
		}
		if err := r.relay.Subscribe(ctx, channel, client); err != nil {
			r.reply(client, controlReply{Type: "error", Channel: channel, Error: "subscribe failed"})
			r.logger.Warn("websocket subscribe failed", "channel", channel, "error", err)
			return
		}
		joined[channel] = struct{}{}
		r.reply(client, controlReply{Type: "subscribed", Channel: channel})
	}

	defer func() {
		for channel := range joined {
			r.relay.Unsubscribe(channel, client)
		}
		client.Close()
	}()
	if initial != "" {
		subscribe(initial)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.reply(client, controlReply{Type: "error", Error: "invalid message"})
			continue
		}
		channel := strings.TrimSpace(msg.Channel)
		if _, ok := relay.SlugFromChannel(channel); !ok {
			r.reply(client, controlReply{Type: "error", Channel: channel, Error: "invalid channel"})
			continue
		}
		switch msg.Action {
		case "subscribe":
			subscribe(channel)
		case "unsubscribe":
			if _, ok := joined[channel]; ok {
				r.relay.Unsubscribe(channel, client)
				delete(joined, channel)
			}
			r.reply(client, controlReply{Type: "unsubscribed", Channel: channel})
		default:
			r.reply(client, controlReply{Type: "error", Error: "unknown action"})
		}
	}
}

func (r *Router) reply(client *ws.Client, msg controlReply) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = client.Send(payload)
}
