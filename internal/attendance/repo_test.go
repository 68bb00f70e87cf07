package attendance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"classroll/internal/store"
)

// newPostgresHarness runs the engine against a disposable Postgres with the
// embedded migrations applied and the sec-1 catalog seeded.
func newPostgresHarness(t *testing.T) *harness {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("classroll"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := store.NewDB(ctx, dsn, store.DefaultPool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.Migrate(ctx), "migrations are idempotent")

	seed := []string{
		`INSERT INTO sections (id, code, faculty_id) VALUES ('sec-1', 'CS101-A', 'fac-1')`,
		`INSERT INTO recurring_slots (id, section_id, weekday, start_time, end_time, room) VALUES
			('slot-mon', 'sec-1', 1, '09:00', '10:00', 'B-204'),
			('slot-mon-pm', 'sec-1', 1, '14:00', '15:00', 'Lab 3'),
			('slot-tue', 'sec-1', 2, '09:00', '10:00', '')`,
		`INSERT INTO students (id, roll_number, full_name) VALUES
			('s1', '001', 'Asha Rao'), ('s2', '002', 'Ben Okafor'), ('s3', '003', 'Chen Wei')`,
		`INSERT INTO section_enrollments (section_id, student_id) VALUES
			('sec-1', 's1'), ('sec-1', 's2'), ('sec-1', 's3')`,
	}
	for _, stmt := range seed {
		_, err := db.Client.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	clock := &testClock{t: monday}
	svc := NewService(NewPostgresStore(db.Client), &fakeQR{}, WithClock(clock.now))
	return &harness{svc: svc, clock: clock, ctx: ctx}
}

func TestPostgresSessionLifecycle(t *testing.T) {
	h := newPostgresHarness(t)

	created, err := h.svc.GenerateSessions(h.ctx, monday)
	require.NoError(t, err)
	require.Len(t, created, 2)

	_, err = h.svc.CreateSession(h.ctx, faculty, CreateSessionRequest{SectionID: "sec-1", Date: monday, SlotID: "slot-mon"})
	assert.ErrorIs(t, err, ErrSessionExists)

	h.clock.set(monday.Add(time.Hour + 5*time.Minute))
	n, err := h.svc.Sweep(h.ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	var morning Session
	for _, s := range created {
		if *s.SlotID == "slot-mon" {
			morning = s
		}
	}
	sess, err := h.svc.GetSession(h.ctx, morning.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, sess.Status)
	assert.NotEmpty(t, sess.OfflineSyncToken)

	roster, err := h.svc.Roster(h.ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, roster, 3)
	assert.Equal(t, "001", roster[0].RollNumber)

	assert.Equal(t, []string{"session.create", "session.open"}, actions(h.audit(t, EntitySession, sess.ID)))
}

func TestPostgresCaptureAndCorrection(t *testing.T) {
	h := newPostgresHarness(t)
	sess := h.opened(t)

	rec, err := h.svc.Submit(h.ctx, gate, SubmitRequest{SessionID: sess.ID, StudentID: "s1", Mark: MarkPresent, Source: SourceRFID, DedupKey: "evt-1"})
	require.NoError(t, err)

	replay, err := h.svc.Submit(h.ctx, gate, SubmitRequest{SessionID: sess.ID, StudentID: "s1", Mark: MarkPresent, Source: SourceRFID, DedupKey: "evt-1"})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, replay.ID)

	_, err = h.svc.Submit(h.ctx, faculty, SubmitRequest{SessionID: sess.ID, StudentID: "s2", Mark: MarkAbsent, Source: SourceManual})
	require.NoError(t, err)
	_, err = h.svc.Submit(h.ctx, gate, SubmitRequest{SessionID: sess.ID, StudentID: "s2", Mark: MarkPresent, Source: SourceRFID, DedupKey: "evt-2"})
	assert.ErrorIs(t, err, ErrLowerPriority)

	req, err := h.svc.CreateCorrection(h.ctx, student("s2"), CreateCorrectionRequest{SessionID: sess.ID, StudentID: "s2", ToMark: MarkPresent, Reason: "sat near the door"})
	require.NoError(t, err)
	_, err = h.svc.CreateCorrection(h.ctx, student("s2"), CreateCorrectionRequest{SessionID: sess.ID, StudentID: "s2", ToMark: MarkLate, Reason: "second try"})
	assert.ErrorIs(t, err, ErrDuplicatePending)

	decided, err := h.svc.DecideCorrection(h.ctx, faculty, req.ID, true, "confirmed")
	require.NoError(t, err)
	assert.Equal(t, CorrectionApproved, decided.Status)

	got, ok := h.record(t, sess.ID, "s2")
	require.True(t, ok)
	assert.Equal(t, MarkPresent, got.Mark)
	assert.Equal(t, "fac-1", got.MarkedBy)

	assert.Equal(t, []string{"correction.create", "correction.approve"}, actions(h.audit(t, EntityCorrection, req.ID)))

	sum, err := h.svc.GetSummary(h.ctx, student("s2"), SummaryQuery{StudentID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.Present)
}
