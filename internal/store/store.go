// Package store persists campaign checkpoints and generation traces.
package store

// Store defines checkpoint persistence operations.
//
// Error handling conventions:
//   - Return ErrNotFound if a checkpoint doesn't exist (Load/Delete/Latest)
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveCheckpoint atomically replaces the checkpoint of the campaign.
	SaveCheckpoint(campaignID string, checkpoint *Checkpoint) error

	// LoadCheckpoint returns the checkpoint of the campaign.
	LoadCheckpoint(campaignID string) (*Checkpoint, error)

	// ListCheckpoints returns metadata for all checkpoints, newest first.
	ListCheckpoints() ([]CheckpointInfo, error)

	// LatestCheckpoint returns the most recently saved checkpoint.
	LatestCheckpoint() (*Checkpoint, error)

	// DeleteCheckpoint removes the campaign directory with its checkpoint,
	// trace and result artifacts. The evaluation log is kept when it lives
	// outside that directory.
	DeleteCheckpoint(campaignID string) error
}

// ErrNotFound is returned when a requested checkpoint does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing checkpoint error.
type NotFoundError struct {
	CampaignID string
}

func (e *NotFoundError) Error() string {
	if e.CampaignID != "" {
		return "checkpoint not found: " + e.CampaignID
	}
	return "checkpoint not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
