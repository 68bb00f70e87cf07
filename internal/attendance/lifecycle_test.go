package attendance

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSessionFromSlot(t *testing.T) {
	h := newHarness(t)
	sess := h.scheduled(t)

	assert.Equal(t, StatusScheduled, sess.Status)
	assert.Equal(t, "fac-1", sess.FacultyID)
	assert.Equal(t, "B-204", sess.Room)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), sess.StartsAt)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), sess.EndsAt)
	require.NotNil(t, sess.SlotID)
	assert.Equal(t, "slot-mon", *sess.SlotID)

	_, err := h.svc.CreateSession(h.ctx, faculty, CreateSessionRequest{SectionID: "sec-1", Date: monday, SlotID: "slot-mon"})
	assert.ErrorIs(t, err, ErrSessionExists)
	assert.Equal(t, KindStateConflict, KindOf(err))

	assert.Equal(t, []string{"session.create"}, actions(h.audit(t, EntitySession, sess.ID)))
}

func TestCreateSessionValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreateSession(h.ctx, faculty, CreateSessionRequest{SectionID: "sec-1", Date: monday, SlotID: "slot-tue"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.CreateSession(h.ctx, faculty, CreateSessionRequest{SectionID: "sec-1", Date: monday})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.CreateSession(h.ctx, faculty, CreateSessionRequest{
		SectionID: "sec-1", Date: monday,
		StartsAt: monday.Add(2 * time.Hour), EndsAt: monday.Add(time.Hour),
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.CreateSession(h.ctx, faculty, CreateSessionRequest{SectionID: "sec-404", Date: monday, SlotID: "slot-mon"})
	assert.ErrorIs(t, err, ErrCatalogNotFound)

	_, err = h.svc.CreateSession(h.ctx, student("s1"), CreateSessionRequest{SectionID: "sec-1", Date: monday, SlotID: "slot-mon"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCreateMakeupSession(t *testing.T) {
	h := newHarness(t)
	sess, err := h.svc.CreateSession(h.ctx, faculty, CreateSessionRequest{
		SectionID: "sec-1", Date: monday, Makeup: true, Room: "Hall 1",
		StartsAt: monday.Add(8 * time.Hour), EndsAt: monday.Add(9 * time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, sess.Makeup)
	assert.Nil(t, sess.SlotID)
	assert.Equal(t, "Hall 1", sess.Room)
}

func TestGenerateSessionsIsIdempotent(t *testing.T) {
	h := newHarness(t)

	created, err := h.svc.GenerateSessions(h.ctx, monday)
	require.NoError(t, err)
	assert.Len(t, created, 2)

	again, err := h.svc.GenerateSessions(h.ctx, monday)
	require.NoError(t, err)
	assert.Empty(t, again)

	for _, sess := range created {
		entries := h.audit(t, EntitySession, sess.ID)
		require.Len(t, entries, 1)
		assert.Equal(t, "system", entries[0].Source)
	}
}

func TestAutoOpenSnapshotsRoster(t *testing.T) {
	h := newHarness(t)
	sess := h.scheduled(t)

	got, err := h.svc.GetSession(h.ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, got.Status)

	h.clock.set(time.Date(2026, 3, 2, 8, 50, 0, 0, time.UTC))
	got, err = h.svc.GetSession(h.ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	require.NotNil(t, got.ActualStart)
	assert.NotEmpty(t, got.OfflineSyncToken)

	roster, err := h.svc.Roster(h.ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, roster, 3)
	assert.Equal(t, "s1", roster[0].StudentID)

	// late enrollment does not change the frozen roster
	h.store.Enroll("sec-1", Student{ID: "s4", RollNumber: "004", FullName: "Dana Cruz"})
	again, err := h.svc.GetSession(h.ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ActualStart, again.ActualStart)
	roster, err = h.svc.Roster(h.ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, roster, 3)
}

func TestAutoCloseMarksAbsentOnce(t *testing.T) {
	h := newHarness(t)
	sess := h.opened(t)

	_, err := h.svc.Submit(h.ctx, faculty, SubmitRequest{SessionID: sess.ID, StudentID: "s1", Mark: MarkPresent, Source: SourceManual})
	require.NoError(t, err)

	h.clock.set(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	got, err := h.svc.GetSession(h.ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	require.NotNil(t, got.ActualEnd)

	_, err = h.svc.Sweep(h.ctx)
	require.NoError(t, err)

	records, err := h.svc.Records(h.ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		if r.StudentID == "s1" {
			assert.Equal(t, MarkPresent, r.Mark)
			continue
		}
		assert.Equal(t, MarkAbsent, r.Mark)
		assert.Equal(t, SourceSystem, r.Source)
		entries := h.audit(t, EntityRecord, r.ID)
		require.Len(t, entries, 1)
		assert.Equal(t, sess.ID, entries[0].CorrelationID)
	}
}

func TestAutoMarkAbsentDisabled(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.PutSetting(h.ctx, admin, KeyAutoMarkAbsent, "false")
	require.NoError(t, err)
	sess := h.opened(t)

	_, err = h.svc.CloseSession(h.ctx, faculty, sess.ID)
	require.NoError(t, err)
	records, err := h.svc.Records(h.ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAutoTransitionsDisabled(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.PutSetting(h.ctx, admin, KeyAutoOpen, "false")
	require.NoError(t, err)
	sess := h.scheduled(t)

	h.clock.set(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))
	got, err := h.svc.GetSession(h.ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, got.Status)
}

func TestExplicitTransitions(t *testing.T) {
	h := newHarness(t)
	sess := h.scheduled(t)

	_, err := h.svc.LockSession(h.ctx, faculty, sess.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.svc.CloseSession(h.ctx, faculty, sess.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := h.svc.OpenSession(h.ctx, faculty, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)

	got, err = h.svc.OpenSession(h.ctx, faculty, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)

	_, err = h.svc.CloseSession(h.ctx, faculty, sess.ID)
	require.NoError(t, err)

	_, err = h.svc.CancelSession(h.ctx, faculty, sess.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err = h.svc.LockSession(h.ctx, admin, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, got.Status)

	_, err = h.svc.OpenSession(h.ctx, faculty, sess.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t,
		[]string{"session.create", "session.open", "session.close", "session.lock"},
		actions(h.audit(t, EntitySession, sess.ID)))
}

func TestCancelScheduledSession(t *testing.T) {
	h := newHarness(t)
	sess := h.scheduled(t)

	_, err := h.svc.CancelSession(h.ctx, student("s1"), sess.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := h.svc.CancelSession(h.ctx, faculty, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	h.clock.set(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	got, err = h.svc.GetSession(h.ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.GetSession(h.ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestSweepAdvancesDueSessions(t *testing.T) {
	h := newHarness(t)
	created, err := h.svc.GenerateSessions(h.ctx, monday)
	require.NoError(t, err)
	require.Len(t, created, 2)

	h.clock.set(time.Date(2026, 3, 2, 8, 55, 0, 0, time.UTC))
	n, err := h.svc.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.clock.set(time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC))
	_, err = h.svc.Sweep(h.ctx)
	require.NoError(t, err)

	for _, sess := range created {
		got, err := h.svc.GetSession(h.ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, got.Status)
	}

	n, err = h.svc.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentAdvanceOpensOnce(t *testing.T) {
	h := newHarness(t)
	sess := h.scheduled(t)
	h.clock.set(time.Date(2026, 3, 2, 8, 55, 0, 0, time.UTC))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Advance(h.ctx, sess.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	opens := 0
	for _, e := range h.audit(t, EntitySession, sess.ID) {
		if e.Action == "session.open" {
			opens++
		}
	}
	assert.Equal(t, 1, opens)
}

func TestQRTokens(t *testing.T) {
	h := newHarness(t)
	sess := h.scheduled(t)

	_, _, err := h.svc.IssueQR(h.ctx, faculty, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotOpen)

	_, err = h.svc.OpenSession(h.ctx, faculty, sess.ID)
	require.NoError(t, err)

	_, _, err = h.svc.IssueQR(h.ctx, student("s1"), sess.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	first, expiry, err := h.svc.IssueQR(h.ctx, faculty, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, monday.Add(time.Minute), expiry)

	got, err := h.svc.ResolveQR(h.ctx, first)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	second, _, err := h.svc.IssueQR(h.ctx, faculty, sess.ID)
	require.NoError(t, err)
	_, err = h.svc.ResolveQR(h.ctx, first)
	assert.ErrorIs(t, err, ErrInvalidQRToken)
	_, err = h.svc.ResolveQR(h.ctx, second)
	assert.NoError(t, err)

	h.clock.advance(time.Minute)
	_, err = h.svc.ResolveQR(h.ctx, second)
	assert.ErrorIs(t, err, ErrInvalidQRToken)

	_, err = h.svc.ResolveQR(h.ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidQRToken)
}

type failingQR struct{ fakeQR }

func (failingQR) Sign(string, time.Time, time.Time) (string, error) {
	return "", errors.New("hsm offline")
}

func TestQRSigningFailureHasItsOwnCode(t *testing.T) {
	h := newHarness(t)
	h.svc = NewService(h.store, &failingQR{}, WithClock(h.clock.now))
	sess := h.opened(t)
	auditBefore := h.store.AuditLen()

	_, _, err := h.svc.IssueQR(h.ctx, faculty, sess.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQRSigning)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "qr_signing_failed", CodeOf(err))
	assert.ErrorContains(t, err, "hsm offline")
	assert.Equal(t, auditBefore, h.store.AuditLen())

	got, err := h.svc.GetSession(h.ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.QRToken)
}
