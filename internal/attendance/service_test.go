package attendance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	faculty = Actor{ID: "fac-1", IsFaculty: true}
	admin   = Actor{ID: "adm-1", IsAdmin: true}
	gate    = Actor{ID: "gate-1", IsDevice: true}
)

func student(id string) Actor { return Actor{ID: id, IsStudent: true} }

// monday 2026-03-02 08:00 UTC
var monday = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *testClock) advance(d time.Duration) { c.set(c.now().Add(d)) }

// fakeQR issues readable tokens: qr|<session>|<expiry unix nanos>|<serial>.
type fakeQR struct {
	mu     sync.Mutex
	serial int
}

func (f *fakeQR) Sign(sessionID string, _, expiresAt time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serial++
	return fmt.Sprintf("qr|%s|%d|%d", sessionID, expiresAt.UnixNano(), f.serial), nil
}

func (f *fakeQR) Verify(token string, now time.Time) (string, error) {
	parts := strings.Split(token, "|")
	if len(parts) != 4 || parts[0] != "qr" {
		return "", fmt.Errorf("malformed token")
	}
	exp, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", err
	}
	if !now.Before(time.Unix(0, exp)) {
		return "", fmt.Errorf("token expired")
	}
	return parts[1], nil
}

type harness struct {
	svc   *Service
	store *MemoryStore
	clock *testClock
	ctx   context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := NewMemoryStore()
	store.AddSection(Section{ID: "sec-1", Code: "CS101-A", FacultyID: "fac-1"})
	store.AddSlot(Slot{ID: "slot-mon", SectionID: "sec-1", Weekday: time.Monday, StartTime: "09:00", EndTime: "10:00", Room: "B-204"})
	store.AddSlot(Slot{ID: "slot-mon-pm", SectionID: "sec-1", Weekday: time.Monday, StartTime: "14:00", EndTime: "15:00", Room: "Lab 3"})
	store.AddSlot(Slot{ID: "slot-tue", SectionID: "sec-1", Weekday: time.Tuesday, StartTime: "09:00", EndTime: "10:00"})
	store.Enroll("sec-1", Student{ID: "s1", RollNumber: "001", FullName: "Asha Rao"})
	store.Enroll("sec-1", Student{ID: "s2", RollNumber: "002", FullName: "Ben Okafor"})
	store.Enroll("sec-1", Student{ID: "s3", RollNumber: "003", FullName: "Chen Wei"})

	clock := &testClock{t: monday}
	svc := NewService(store, &fakeQR{}, WithClock(clock.now))
	return &harness{svc: svc, store: store, clock: clock, ctx: context.Background()}
}

// scheduled creates the Monday 09:00 session.
func (h *harness) scheduled(t *testing.T) Session {
	t.Helper()
	sess, err := h.svc.CreateSession(h.ctx, faculty, CreateSessionRequest{SectionID: "sec-1", Date: monday, SlotID: "slot-mon"})
	require.NoError(t, err)
	return sess
}

// opened creates the Monday 09:00 session and opens it explicitly.
func (h *harness) opened(t *testing.T) Session {
	t.Helper()
	sess := h.scheduled(t)
	sess, err := h.svc.OpenSession(h.ctx, faculty, sess.ID)
	require.NoError(t, err)
	return sess
}

func (h *harness) record(t *testing.T, sessionID, studentID string) (Record, bool) {
	t.Helper()
	records, err := h.svc.Records(h.ctx, sessionID)
	require.NoError(t, err)
	for _, r := range records {
		if r.StudentID == studentID {
			return r, true
		}
	}
	return Record{}, false
}

func (h *harness) audit(t *testing.T, entity EntityType, id string) []AuditEntry {
	t.Helper()
	entries, err := h.svc.ListAudit(h.ctx, admin, entity, id, 500, 0)
	require.NoError(t, err)
	return entries
}

func actions(entries []AuditEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}
