// Package broadcast fans out post-commit updates to WebSocket subscribers.
//
// Two independent topic spaces exist: per-user (private channel for balance
// and holding changes) and per-asset (public channel for social/price/event
// changes). Delivery is best-effort: publication happens strictly after the
// originating transaction has committed, never blocks the trade path, and
// subscribers whose sends fail are lazily removed.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunebase/market-engine/internal/metrics"
)

// Message is a JSON message sent to subscribers.
type Message struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id,omitempty"`
	AssetID string `json:"asset_id,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// subscriber owns one WebSocket connection and its buffered outbound queue.
// send is never closed; publishers may hold a reference to a departed
// subscriber, and a send on a closed channel would panic the publisher.
// Shutdown is signalled through done instead.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// Registry manages per-user and per-asset subscriber sets. Construct one per
// process (or per test); there is no package-level singleton.
type Registry struct {
	mu     sync.RWMutex
	users  map[string]map[*subscriber]struct{}
	assets map[string]map[*subscriber]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users:  make(map[string]map[*subscriber]struct{}),
		assets: make(map[string]map[*subscriber]struct{}),
	}
}

// PublishUser sends a message to every subscriber of a user's private topic.
func (r *Registry) PublishUser(userID string, msg Message) {
	msg.UserID = userID
	r.publish(r.users, userID, msg)
}

// PublishAsset sends a message to every subscriber of an asset's public topic.
func (r *Registry) PublishAsset(assetID string, msg Message) {
	msg.AssetID = assetID
	r.publish(r.assets, assetID, msg)
}

func (r *Registry) publish(space map[string]map[*subscriber]struct{}, key string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	r.mu.RLock()
	subs := make([]*subscriber, 0, len(space[key]))
	for sub := range space[key] {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
			metrics.BroadcastDrops.Inc()
		case sub.send <- data:
		default:
			// Full buffer means a slow or dead client; drop rather than
			// block the publisher.
			metrics.BroadcastDrops.Inc()
		}
	}
}

// UserSubscribers returns the current subscriber count for a user topic.
func (r *Registry) UserSubscribers(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// AssetSubscribers returns the current subscriber count for an asset topic.
func (r *Registry) AssetSubscribers(assetID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.assets[assetID])
}

func (r *Registry) subscribe(space map[string]map[*subscriber]struct{}, key string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := space[key]
	if !ok {
		set = make(map[*subscriber]struct{})
		space[key] = set
	}
	set[sub] = struct{}{}
}

func (r *Registry) unsubscribe(space map[string]map[*subscriber]struct{}, key string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := space[key]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			if len(set) == 0 {
				delete(space, key)
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleUserWS upgrades a request to a WebSocket subscribed to a user topic.
// The transport layer is responsible for authorizing access to the topic.
func (r *Registry) HandleUserWS(w http.ResponseWriter, req *http.Request, userID string) {
	r.handleWS(w, req, r.users, userID, "user")
}

// HandleAssetWS upgrades a request to a WebSocket subscribed to an asset topic.
func (r *Registry) HandleAssetWS(w http.ResponseWriter, req *http.Request, assetID string) {
	r.handleWS(w, req, r.assets, assetID, "asset")
}

func (r *Registry) handleWS(w http.ResponseWriter, req *http.Request, space map[string]map[*subscriber]struct{}, key, spaceName string) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, 64), done: make(chan struct{})}
	r.subscribe(space, key, sub)
	metrics.WebSocketClients.WithLabelValues(spaceName).Inc()
	slog.Info("ws subscriber connected", "space", spaceName, "topic", key)

	// Write pump: drains the send buffer; a failed send removes the
	// subscriber (lazy cleanup of dead connections). The pump owns the
	// registry removal so it happens exactly once.
	go func() {
		defer func() {
			sub.stop()
			r.unsubscribe(space, key, sub)
			conn.Close()
			metrics.WebSocketClients.WithLabelValues(spaceName).Dec()
		}()
		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()
		for {
			select {
			case data := <-sub.send:
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					metrics.BroadcastDrops.Inc()
					return
				}
			case <-ping.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-sub.done:
				return
			}
		}
	}()

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer sub.stop()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
