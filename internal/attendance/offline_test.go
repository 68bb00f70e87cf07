package attendance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncOffline(t *testing.T) {
	h := newHarness(t)
	sess := h.opened(t)

	batch := OfflineBatch{
		SessionID: sess.ID,
		SyncToken: sess.OfflineSyncToken,
		Actor:     faculty,
		Items: []OfflineItem{
			{StudentID: "s1", Mark: MarkPresent, ClientUUID: "u-1", SubmittedAt: monday.Add(-2 * time.Minute)},
			{StudentID: "s2", Mark: MarkLate, ClientUUID: "u-2", SubmittedAt: monday.Add(-time.Minute)},
			{StudentID: "s3", Mark: MarkPresent, ClientUUID: "u-3", SubmittedAt: monday.Add(-72 * time.Hour)},
		},
	}
	sum, err := h.svc.SyncOffline(h.ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Updated)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, ErrStaleOffline.Code, sum.Errors[0].Code)

	again, err := h.svc.SyncOffline(h.ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Updated)

	records, err := h.svc.Records(h.ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestSyncOfflineRejectsWrongToken(t *testing.T) {
	h := newHarness(t)
	sess := h.opened(t)

	_, err := h.svc.SyncOffline(h.ctx, OfflineBatch{
		SessionID: sess.ID, SyncToken: "forged", Actor: faculty,
		Items: []OfflineItem{{StudentID: "s1", Mark: MarkPresent, ClientUUID: "u-1", SubmittedAt: monday}},
	})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.SyncOffline(h.ctx, OfflineBatch{SessionID: sess.ID, SyncToken: sess.OfflineSyncToken, Actor: faculty})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
