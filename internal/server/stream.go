package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cwbudde/crowdcalib/internal/campaign"
)

// pingInterval keeps idle SSE connections open through proxies.
const pingInterval = 30 * time.Second

// ProgressEvent is one campaign progress update on the SSE stream.
type ProgressEvent struct {
	CampaignID    string         `json:"campaignId"`
	State         campaign.State `json:"state"`
	Evaluations   int            `json:"evaluations"`
	Target        int            `json:"target"`
	Generation    int            `json:"generation"`
	BestObjective *float64       `json:"bestObjective,omitempty"`
	LastObjective *float64       `json:"lastObjective,omitempty"`
	Error         string         `json:"error,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// NewProgressEvent builds an event from a campaign status.
func NewProgressEvent(s campaign.Status) ProgressEvent {
	ev := ProgressEvent{
		CampaignID:    s.CampaignID,
		State:         s.State,
		Evaluations:   s.Evaluations,
		Target:        s.Target,
		Generation:    s.Generation,
		BestObjective: s.BestObjective,
		Error:         s.Error,
		Timestamp:     s.UpdatedAt,
	}
	if s.Last != nil {
		last := s.Last.Objective
		ev.LastObjective = &last
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev
}

// EventBroadcaster fans progress events out to SSE clients per campaign.
type EventBroadcaster struct {
	mu        sync.Mutex
	clients   map[string]map[chan ProgressEvent]bool // campaignID -> client channels
	lastEvent map[string]ProgressEvent               // replayed to new clients
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan ProgressEvent]bool),
		lastEvent: make(map[string]ProgressEvent),
	}
}

// Subscribe adds a client to receive events for a campaign
func (eb *EventBroadcaster) Subscribe(campaignID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, 16)

	if eb.clients[campaignID] == nil {
		eb.clients[campaignID] = make(map[chan ProgressEvent]bool)
	}
	eb.clients[campaignID][ch] = true

	if lastEvent, ok := eb.lastEvent[campaignID]; ok {
		select {
		case ch <- lastEvent:
		default:
		}
	}

	slog.Debug("SSE client subscribed", "campaign_id", campaignID, "total_clients", len(eb.clients[campaignID]))
	return ch
}

// Unsubscribe removes a client from receiving events
func (eb *EventBroadcaster) Unsubscribe(campaignID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if clients, ok := eb.clients[campaignID]; ok {
		if clients[ch] {
			delete(clients, ch)
			close(ch)
		}
		if len(clients) == 0 {
			delete(eb.clients, campaignID)
		}
	}

	slog.Debug("SSE client unsubscribed", "campaign_id", campaignID)
}

// Broadcast sends an event to all subscribed clients of its campaign. Slow
// clients miss events rather than block the campaign.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent[event.CampaignID] = event

	clients := eb.clients[event.CampaignID]
	for ch := range clients {
		select {
		case ch <- event:
		default:
			slog.Warn("SSE channel full, skipping event", "campaign_id", event.CampaignID)
		}
	}
}

// Cleanup removes all clients and the cached event of a campaign.
func (eb *EventBroadcaster) Cleanup(campaignID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for ch := range eb.clients[campaignID] {
		close(ch)
	}
	delete(eb.clients, campaignID)
	delete(eb.lastEvent, campaignID)
}

// handleCampaignStream handles GET /api/v1/campaigns/{id}/stream
func (s *Server) handleCampaignStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.registry.Get(id)
	if err != nil {
		writeLookupError(w, id, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := s.registry.broadcaster.Subscribe(id)
	defer s.registry.broadcaster.Unsubscribe(id, events)

	if err := writeSSEEvent(w, NewProgressEvent(status)); err != nil {
		slog.Error("Failed to write initial SSE event", "error", err)
		return
	}
	flusher.Flush()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("SSE client disconnected", "campaign_id", id)
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()

		case <-ping.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes an event in SSE format
func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
