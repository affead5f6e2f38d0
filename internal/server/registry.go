package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cwbudde/crowdcalib/internal/campaign"
	"github.com/cwbudde/crowdcalib/internal/store"
)

// Registry tracks the campaigns served by this process. Live campaigns
// publish their status into it; campaigns known only from disk are read
// from the checkpoint store on demand.
type Registry struct {
	mu          sync.RWMutex
	live        map[string]campaign.Status
	store       store.Store
	broadcaster *EventBroadcaster
}

// NewRegistry creates a registry. st may be nil, in which case only live
// campaigns are visible.
func NewRegistry(st store.Store) *Registry {
	return &Registry{
		live:        make(map[string]campaign.Status),
		store:       st,
		broadcaster: NewEventBroadcaster(),
	}
}

// Publish records a status update and forwards it to stream subscribers.
func (r *Registry) Publish(s campaign.Status) {
	r.mu.Lock()
	r.live[s.CampaignID] = s
	r.mu.Unlock()

	r.broadcaster.Broadcast(NewProgressEvent(s))
}

// Get returns the status of a campaign, live or from its checkpoint.
func (r *Registry) Get(id string) (campaign.Status, error) {
	r.mu.RLock()
	s, ok := r.live[id]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}
	if r.store == nil {
		return campaign.Status{}, &store.NotFoundError{CampaignID: id}
	}

	cp, err := r.store.LoadCheckpoint(id)
	if err != nil {
		return campaign.Status{}, err
	}
	return statusFromCheckpoint(cp), nil
}

// List returns every known campaign, live ones first, then stored ones
// newest first.
func (r *Registry) List() ([]campaign.Status, error) {
	r.mu.RLock()
	out := make([]campaign.Status, 0, len(r.live))
	for _, s := range r.live {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })

	if r.store == nil {
		return out, nil
	}
	infos, err := r.store.ListCheckpoints()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	for _, info := range infos {
		if r.isLive(info.CampaignID) {
			continue
		}
		cp, err := r.store.LoadCheckpoint(info.CampaignID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Warn("Skipping unreadable checkpoint", "campaign_id", info.CampaignID, "error", err)
			}
			continue
		}
		out = append(out, statusFromCheckpoint(cp))
	}
	return out, nil
}

func (r *Registry) isLive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[id]
	return ok
}

func statusFromCheckpoint(cp *store.Checkpoint) campaign.Status {
	return campaign.Status{
		CampaignID:    cp.CampaignID,
		State:         campaign.State(cp.State),
		Algorithm:     cp.Optimizer.Algorithm,
		Evaluations:   cp.EvalCounter,
		Target:        cp.TargetBudget,
		Generation:    cp.Generation,
		BestObjective: cp.BestObjective,
		BestParams:    cp.BestParams,
		Seed:          cp.Seed,
		LogPath:       cp.LogPath,
		UpdatedAt:     cp.Timestamp,
		Message:       cp.Message,
	}
}
