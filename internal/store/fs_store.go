package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// FSStore keeps one directory per campaign: <baseDir>/campaigns/<id>/.
// Checkpoints are written with temp file + rename, so a reader never sees a
// partial file.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a filesystem store. The baseDir will be created if it
// doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory of the store.
func (fs *FSStore) BaseDir() string { return fs.baseDir }

func (fs *FSStore) campaignsDir() string {
	return filepath.Join(fs.baseDir, "campaigns")
}

// CampaignDir returns the directory holding a campaign's artifacts.
func (fs *FSStore) CampaignDir(campaignID string) string {
	return filepath.Join(fs.campaignsDir(), campaignID)
}

func (fs *FSStore) checkpointPath(campaignID string) string {
	return filepath.Join(fs.CampaignDir(campaignID), "checkpoint.json")
}

// SaveCheckpoint validates and atomically saves a checkpoint.
func (fs *FSStore) SaveCheckpoint(campaignID string, checkpoint *Checkpoint) error {
	if campaignID == "" {
		return fmt.Errorf("campaignID cannot be empty")
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	if checkpoint.CampaignID != campaignID {
		return fmt.Errorf("checkpoint belongs to campaign %q, not %q", checkpoint.CampaignID, campaignID)
	}
	if err := checkpoint.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid checkpoint: %w", err)
	}

	dir := fs.CampaignDir(campaignID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create campaign directory: %w", err)
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	finalPath := fs.checkpointPath(campaignID)
	tempPath := finalPath + ".tmp"
	if err := writeSynced(tempPath, data); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp checkpoint file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	slog.Debug("Checkpoint saved",
		"campaign_id", campaignID,
		"eval_counter", checkpoint.EvalCounter,
		"path", finalPath)
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadCheckpoint reads and validates the checkpoint of a campaign.
func (fs *FSStore) LoadCheckpoint(campaignID string) (*Checkpoint, error) {
	if campaignID == "" {
		return nil, fmt.Errorf("campaignID cannot be empty")
	}

	path := fs.checkpointPath(campaignID)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NotFoundError{CampaignID: campaignID}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint %s: %w", campaignID, err)
	}

	slog.Debug("Checkpoint loaded", "campaign_id", campaignID, "path", path)
	return &checkpoint, nil
}

// ListCheckpoints returns metadata for all readable checkpoints, newest
// first. Unreadable ones are skipped with a warning.
func (fs *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	entries, err := os.ReadDir(fs.campaignsDir())
	if errors.Is(err, os.ErrNotExist) {
		return []CheckpointInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read campaigns directory: %w", err)
	}

	infos := []CheckpointInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if _, err := os.Stat(fs.checkpointPath(id)); err != nil {
			continue
		}
		checkpoint, err := fs.LoadCheckpoint(id)
		if err != nil {
			slog.Warn("Failed to load checkpoint for listing", "campaign_id", id, "error", err)
			continue
		}
		infos = append(infos, checkpoint.ToInfo())
	}

	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].Timestamp.After(infos[j].Timestamp)
	})
	slog.Debug("Listed checkpoints", "count", len(infos))
	return infos, nil
}

// LatestCheckpoint returns the most recently saved checkpoint.
func (fs *FSStore) LatestCheckpoint() (*Checkpoint, error) {
	infos, err := fs.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, ErrNotFound
	}
	return fs.LoadCheckpoint(infos[0].CampaignID)
}

// DeleteCheckpoint removes the campaign directory and its contents.
func (fs *FSStore) DeleteCheckpoint(campaignID string) error {
	if campaignID == "" {
		return fmt.Errorf("campaignID cannot be empty")
	}

	dir := fs.CampaignDir(campaignID)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return &NotFoundError{CampaignID: campaignID}
	} else if err != nil {
		return fmt.Errorf("failed to stat campaign directory: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove campaign directory: %w", err)
	}

	slog.Debug("Checkpoint deleted", "campaign_id", campaignID, "path", dir)
	return nil
}
