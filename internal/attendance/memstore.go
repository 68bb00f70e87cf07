package attendance

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and local development.
// Transactions are serialized; a failed transaction restores the state it
// started from.
type MemoryStore struct {
	mu       sync.Mutex
	state    memState
	failures map[string]error
	rivals   []Record
}

type memState struct {
	sessions    map[string]Session
	roster      map[string]map[string]RosterEntry
	records     map[string]Record
	corrections map[string]CorrectionRequest
	settings    map[string]Setting
	audit       []AuditEntry

	sections    map[string]Section
	slots       map[string]Slot
	students    map[string]Student
	enrollments map[string][]string
	leaves      map[string][]LeaveApplication
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			sessions:    map[string]Session{},
			roster:      map[string]map[string]RosterEntry{},
			records:     map[string]Record{},
			corrections: map[string]CorrectionRequest{},
			settings:    map[string]Setting{},
			sections:    map[string]Section{},
			slots:       map[string]Slot{},
			students:    map[string]Student{},
			enrollments: map[string][]string{},
			leaves:      map[string][]LeaveApplication{},
		},
		failures: map[string]error{},
	}
}

func (st memState) clone() memState {
	out := st
	out.sessions = maps.Clone(st.sessions)
	out.roster = make(map[string]map[string]RosterEntry, len(st.roster))
	for k, v := range st.roster {
		out.roster[k] = maps.Clone(v)
	}
	out.records = maps.Clone(st.records)
	out.corrections = maps.Clone(st.corrections)
	out.settings = maps.Clone(st.settings)
	out.audit = slices.Clone(st.audit)
	return out
}

// InTx runs fn while holding the store lock.
func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.state.clone()
	tx := &memTx{m: m}
	if err := fn(ctx, tx); err != nil {
		m.state = snapshot
		m.commitRivals(tx.raced)
		return err
	}
	if err := ctx.Err(); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// FailOn makes the named Tx method return err until cleared with a nil err.
func (m *MemoryStore) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// Interleave simulates a concurrent writer: the next InsertRecord for the
// same session and student fails with a unique conflict, and rec is
// committed as if the other transaction won.
func (m *MemoryStore) Interleave(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rivals = append(m.rivals, rec)
}

func (m *MemoryStore) commitRivals(raced []int) {
	if len(raced) == 0 {
		return
	}
	keep := m.rivals[:0]
	for i, rec := range m.rivals {
		if slices.Contains(raced, i) {
			m.state.records[rec.ID] = rec
			continue
		}
		keep = append(keep, rec)
	}
	m.rivals = keep
}

// AddSection registers a catalog section.
func (m *MemoryStore) AddSection(sec Section) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.sections[sec.ID] = sec
}

// AddSlot registers a recurring slot.
func (m *MemoryStore) AddSlot(slot Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.slots[slot.ID] = slot
}

// Enroll registers a student and enrolls them in a section.
func (m *MemoryStore) Enroll(sectionID string, st Student) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.students[st.ID] = st
	if !slices.Contains(m.state.enrollments[sectionID], st.ID) {
		m.state.enrollments[sectionID] = append(m.state.enrollments[sectionID], st.ID)
	}
}

// AddLeave records a leave application.
func (m *MemoryStore) AddLeave(l LeaveApplication) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.leaves[l.StudentID] = append(m.state.leaves[l.StudentID], l)
}

// AuditLen reports how many audit entries are stored.
func (m *MemoryStore) AuditLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.audit)
}

type memTx struct {
	m     *MemoryStore
	raced []int
}

func (t *memTx) fail(method string) error {
	return t.m.failures[method]
}

func (t *memTx) st() *memState { return &t.m.state }

func (t *memTx) InsertSession(_ context.Context, s *Session) error {
	if err := t.fail("InsertSession"); err != nil {
		return err
	}
	if s.SlotID != nil {
		for _, existing := range t.st().sessions {
			if existing.SlotID != nil && *existing.SlotID == *s.SlotID && existing.ScheduledDate.Equal(s.ScheduledDate) {
				return errConflict
			}
		}
	}
	if _, ok := t.st().sessions[s.ID]; ok {
		return errConflict
	}
	t.st().sessions[s.ID] = *s
	return nil
}

func (t *memTx) GetSession(_ context.Context, id string, _ LockMode) (Session, error) {
	if err := t.fail("GetSession"); err != nil {
		return Session{}, err
	}
	s, ok := t.st().sessions[id]
	if !ok {
		return Session{}, errNoRows
	}
	return s, nil
}

func (t *memTx) TransitionSession(_ context.Context, id string, from SessionStatus, upd SessionUpdate) (bool, error) {
	if err := t.fail("TransitionSession"); err != nil {
		return false, err
	}
	s, ok := t.st().sessions[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = upd.Status
	s.UpdatedAt = upd.At
	if upd.ActualStart != nil {
		s.ActualStart = upd.ActualStart
	}
	if upd.ActualEnd != nil {
		s.ActualEnd = upd.ActualEnd
	}
	if upd.OfflineSyncToken != "" {
		s.OfflineSyncToken = upd.OfflineSyncToken
	}
	t.st().sessions[id] = s
	return true, nil
}

func (t *memTx) SetQRToken(_ context.Context, id, token string, expiresAt, at time.Time) error {
	if err := t.fail("SetQRToken"); err != nil {
		return err
	}
	s, ok := t.st().sessions[id]
	if !ok {
		return errNoRows
	}
	s.QRToken = token
	s.QRExpiresAt = &expiresAt
	s.UpdatedAt = at
	t.st().sessions[id] = s
	return nil
}

func (t *memTx) TouchSync(_ context.Context, id string, at time.Time) error {
	if err := t.fail("TouchSync"); err != nil {
		return err
	}
	s, ok := t.st().sessions[id]
	if !ok {
		return errNoRows
	}
	s.LastSyncAt = &at
	t.st().sessions[id] = s
	return nil
}

func (t *memTx) DueSessions(_ context.Context, openBefore, closeBefore time.Time) ([]string, error) {
	if err := t.fail("DueSessions"); err != nil {
		return nil, err
	}
	var ids []string
	for id, s := range t.st().sessions {
		switch {
		case s.Status == StatusScheduled && !s.StartsAt.After(openBefore):
			ids = append(ids, id)
		case s.Status == StatusOpen && !s.EndsAt.After(closeBefore):
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) InsertRoster(_ context.Context, entries []RosterEntry) error {
	if err := t.fail("InsertRoster"); err != nil {
		return err
	}
	for _, e := range entries {
		byStudent, ok := t.st().roster[e.SessionID]
		if !ok {
			byStudent = map[string]RosterEntry{}
			t.st().roster[e.SessionID] = byStudent
		}
		if _, exists := byStudent[e.StudentID]; !exists {
			byStudent[e.StudentID] = e
		}
	}
	return nil
}

func (t *memTx) GetRosterEntry(_ context.Context, sessionID, studentID string) (RosterEntry, error) {
	if err := t.fail("GetRosterEntry"); err != nil {
		return RosterEntry{}, err
	}
	e, ok := t.st().roster[sessionID][studentID]
	if !ok {
		return RosterEntry{}, errNoRows
	}
	return e, nil
}

func (t *memTx) ListRoster(_ context.Context, sessionID string) ([]RosterEntry, error) {
	if err := t.fail("ListRoster"); err != nil {
		return nil, err
	}
	out := slices.Collect(maps.Values(t.st().roster[sessionID]))
	sort.Slice(out, func(i, j int) bool {
		if out[i].RollNumber != out[j].RollNumber {
			return out[i].RollNumber < out[j].RollNumber
		}
		return out[i].StudentID < out[j].StudentID
	})
	return out, nil
}

func (t *memTx) findRecord(sessionID, studentID string) (Record, bool) {
	for _, r := range t.st().records {
		if r.SessionID == sessionID && r.StudentID == studentID {
			return r, true
		}
	}
	return Record{}, false
}

func (t *memTx) GetRecordForUpdate(_ context.Context, sessionID, studentID string) (Record, error) {
	if err := t.fail("GetRecordForUpdate"); err != nil {
		return Record{}, err
	}
	r, ok := t.findRecord(sessionID, studentID)
	if !ok {
		return Record{}, errNoRows
	}
	return r, nil
}

func (t *memTx) InsertRecord(_ context.Context, r *Record) error {
	if err := t.fail("InsertRecord"); err != nil {
		return err
	}
	if _, ok := t.findRecord(r.SessionID, r.StudentID); ok {
		return errConflict
	}
	for i, rival := range t.m.rivals {
		if rival.SessionID == r.SessionID && rival.StudentID == r.StudentID && !slices.Contains(t.raced, i) {
			t.raced = append(t.raced, i)
			return errConflict
		}
	}
	t.st().records[r.ID] = *r
	return nil
}

func (t *memTx) UpdateRecord(_ context.Context, r *Record) error {
	if err := t.fail("UpdateRecord"); err != nil {
		return err
	}
	if _, ok := t.st().records[r.ID]; !ok {
		return errNoRows
	}
	t.st().records[r.ID] = *r
	return nil
}

func (t *memTx) ListRecords(_ context.Context, sessionID string) ([]Record, error) {
	if err := t.fail("ListRecords"); err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range t.st().records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

func (t *memTx) StudentMarks(_ context.Context, studentID string, f SummaryFilter) ([]MarkRow, error) {
	if err := t.fail("StudentMarks"); err != nil {
		return nil, err
	}
	marks := make(map[string]Mark)
	for _, r := range t.st().records {
		if r.StudentID == studentID {
			marks[r.SessionID] = r.Mark
		}
	}
	var out []MarkRow
	for _, s := range t.st().sessions {
		if s.Status == StatusCancelled {
			continue
		}
		mark, recorded := marks[s.ID]
		_, rostered := t.st().roster[s.ID][studentID]
		if !recorded && !(rostered && (s.Status == StatusClosed || s.Status == StatusLocked)) {
			continue
		}
		if f.SectionID != "" && s.SectionID != f.SectionID {
			continue
		}
		if f.Start != nil && s.ScheduledDate.Before(*f.Start) {
			continue
		}
		if f.End != nil && s.ScheduledDate.After(*f.End) {
			continue
		}
		out = append(out, MarkRow{
			SessionID:     s.ID,
			SectionID:     s.SectionID,
			ScheduledDate: s.ScheduledDate,
			SessionStatus: s.Status,
			Mark:          mark,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledDate.Equal(out[j].ScheduledDate) {
			return out[i].ScheduledDate.Before(out[j].ScheduledDate)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func (t *memTx) InsertCorrection(_ context.Context, c *CorrectionRequest) error {
	if err := t.fail("InsertCorrection"); err != nil {
		return err
	}
	for _, existing := range t.st().corrections {
		if existing.Status == CorrectionPending && existing.SessionID == c.SessionID && existing.StudentID == c.StudentID {
			return errConflict
		}
	}
	t.st().corrections[c.ID] = *c
	return nil
}

func (t *memTx) GetCorrectionForUpdate(_ context.Context, id string) (CorrectionRequest, error) {
	if err := t.fail("GetCorrectionForUpdate"); err != nil {
		return CorrectionRequest{}, err
	}
	c, ok := t.st().corrections[id]
	if !ok {
		return CorrectionRequest{}, errNoRows
	}
	return c, nil
}

func (t *memTx) UpdateCorrection(_ context.Context, c *CorrectionRequest) error {
	if err := t.fail("UpdateCorrection"); err != nil {
		return err
	}
	if _, ok := t.st().corrections[c.ID]; !ok {
		return errNoRows
	}
	t.st().corrections[c.ID] = *c
	return nil
}

func (t *memTx) ListCorrections(_ context.Context, sessionID string, status CorrectionStatus) ([]CorrectionRequest, error) {
	if err := t.fail("ListCorrections"); err != nil {
		return nil, err
	}
	var out []CorrectionRequest
	for _, c := range t.st().corrections {
		if c.SessionID != sessionID || (status != "" && c.Status != status) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) ApprovedLeaves(_ context.Context, studentID string) ([]LeaveApplication, error) {
	if err := t.fail("ApprovedLeaves"); err != nil {
		return nil, err
	}
	var out []LeaveApplication
	for _, l := range t.st().leaves[studentID] {
		if strings.EqualFold(l.Status, "approved") {
			out = append(out, l)
		}
	}
	return out, nil
}

func (t *memTx) GetSection(_ context.Context, id string) (Section, error) {
	sec, ok := t.st().sections[id]
	if !ok {
		return Section{}, errNoRows
	}
	return sec, nil
}

func (t *memTx) GetSlot(_ context.Context, id string) (Slot, error) {
	slot, ok := t.st().slots[id]
	if !ok {
		return Slot{}, errNoRows
	}
	return slot, nil
}

func (t *memTx) SlotsOn(_ context.Context, weekday time.Weekday) ([]Slot, error) {
	var out []Slot
	for _, slot := range t.st().slots {
		if slot.Weekday == weekday {
			out = append(out, slot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) EnrolledStudents(_ context.Context, sectionID string) ([]Student, error) {
	if err := t.fail("EnrolledStudents"); err != nil {
		return nil, err
	}
	var out []Student
	for _, id := range t.st().enrollments[sectionID] {
		out = append(out, t.st().students[id])
	}
	return out, nil
}

func (t *memTx) Settings(_ context.Context) ([]Setting, error) {
	if err := t.fail("Settings"); err != nil {
		return nil, err
	}
	out := slices.Collect(maps.Values(t.st().settings))
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (t *memTx) PutSetting(_ context.Context, s Setting) error {
	if err := t.fail("PutSetting"); err != nil {
		return err
	}
	t.st().settings[s.Key] = s
	return nil
}

func (t *memTx) AppendAudit(_ context.Context, e *AuditEntry) error {
	if err := t.fail("AppendAudit"); err != nil {
		return err
	}
	t.st().audit = append(t.st().audit, *e)
	return nil
}

func (t *memTx) ListAudit(_ context.Context, entity EntityType, entityID string, limit, offset int) ([]AuditEntry, error) {
	if err := t.fail("ListAudit"); err != nil {
		return nil, err
	}
	var matched []AuditEntry
	for _, e := range t.st().audit {
		if e.EntityType == entity && e.EntityID == entityID {
			matched = append(matched, e)
		}
	}
	if offset >= len(matched) {
		return []AuditEntry{}, nil
	}
	end := min(offset+limit, len(matched))
	return matched[offset:end], nil
}
