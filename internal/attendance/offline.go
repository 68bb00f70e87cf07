package attendance

import (
	"context"
	"time"

	"classroll/internal/logging"
)

// OfflineItem is one mark captured while the client had no connectivity.
type OfflineItem struct {
	StudentID   string    `json:"student_id" validate:"required"`
	Mark        Mark      `json:"mark" validate:"required,mark"`
	ClientUUID  string    `json:"client_uuid" validate:"required,max=128"`
	SubmittedAt time.Time `json:"submitted_at" validate:"required"`
	Reason      string    `json:"reason"`
	Device      string    `json:"device"`
	Network     string    `json:"network"`
	Latitude    *float64  `json:"latitude"`
	Longitude   *float64  `json:"longitude"`
}

// OfflineBatch is an upload of offline marks for one session, bound to the
// sync token handed out when the session opened.
type OfflineBatch struct {
	SessionID string        `json:"session_id" validate:"required"`
	SyncToken string        `json:"sync_token" validate:"required"`
	Actor     Actor         `json:"actor"`
	Items     []OfflineItem `json:"items" validate:"required,min=1,max=1000,dive"`
}

// ValidateOfflineBatch checks a batch before it is queued.
func (s *Service) ValidateOfflineBatch(b OfflineBatch) error {
	return s.check(b)
}

// SyncOffline replays an offline batch through Submit. Items are applied
// independently; a replayed client uuid is a no-op.
func (s *Service) SyncOffline(ctx context.Context, b OfflineBatch) (BulkSummary, error) {
	if err := s.check(b); err != nil {
		return BulkSummary{}, err
	}
	var sess Session
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		sess, err = s.loadSession(ctx, tx, b.SessionID, LockNone)
		return err
	})
	if err != nil {
		return BulkSummary{}, err
	}
	if sess.OfflineSyncToken == "" || sess.OfflineSyncToken != b.SyncToken {
		return BulkSummary{}, reject(ErrForbidden, "sync token does not match session %s", b.SessionID)
	}

	summary := BulkSummary{Errors: []BulkError{}}
	for _, item := range b.Items {
		_, err := s.Submit(ctx, b.Actor, SubmitRequest{
			SessionID:   b.SessionID,
			StudentID:   item.StudentID,
			Mark:        item.Mark,
			Source:      SourceOffline,
			DedupKey:    item.ClientUUID,
			SubmittedAt: item.SubmittedAt,
			Reason:      item.Reason,
			Device:      item.Device,
			Network:     item.Network,
			Latitude:    item.Latitude,
			Longitude:   item.Longitude,
		})
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, BulkError{
				StudentID: item.StudentID,
				Kind:      KindOf(err),
				Code:      CodeOf(err),
				Message:   err.Error(),
			})
			continue
		}
		summary.Updated++
	}
	logging.Info().Str("session_id", b.SessionID).Str("actor", b.Actor.ID).
		Int("updated", summary.Updated).Int("failed", summary.Failed).Msg("offline batch synced")
	return summary, nil
}
