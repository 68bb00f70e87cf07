package attendance

import (
	"context"
	"time"
)

// LockMode selects row locking for session reads inside a transaction.
type LockMode int

const (
	LockNone LockMode = iota
	LockShare
	LockUpdate
)

// SessionUpdate is applied by a conditional status transition.
type SessionUpdate struct {
	Status           SessionStatus
	ActualStart      *time.Time
	ActualEnd        *time.Time
	OfflineSyncToken string
	At               time.Time
}

// SummaryFilter narrows the marks considered by the calculator.
type SummaryFilter struct {
	SectionID string
	Start     *time.Time
	End       *time.Time
}

// Store runs engine transactions. Every mutation and its audit entries
// commit together or not at all.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// Tx is the persistence surface available inside a transaction. Lookups
// return errNoRows when nothing matches; inserts violating a uniqueness
// constraint return errConflict.
type Tx interface {
	InsertSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string, mode LockMode) (Session, error)
	TransitionSession(ctx context.Context, id string, from SessionStatus, upd SessionUpdate) (bool, error)
	SetQRToken(ctx context.Context, id, token string, expiresAt, at time.Time) error
	TouchSync(ctx context.Context, id string, at time.Time) error
	DueSessions(ctx context.Context, openBefore, closeBefore time.Time) ([]string, error)

	InsertRoster(ctx context.Context, entries []RosterEntry) error
	GetRosterEntry(ctx context.Context, sessionID, studentID string) (RosterEntry, error)
	ListRoster(ctx context.Context, sessionID string) ([]RosterEntry, error)

	GetRecordForUpdate(ctx context.Context, sessionID, studentID string) (Record, error)
	InsertRecord(ctx context.Context, r *Record) error
	UpdateRecord(ctx context.Context, r *Record) error
	ListRecords(ctx context.Context, sessionID string) ([]Record, error)
	StudentMarks(ctx context.Context, studentID string, f SummaryFilter) ([]MarkRow, error)

	InsertCorrection(ctx context.Context, c *CorrectionRequest) error
	GetCorrectionForUpdate(ctx context.Context, id string) (CorrectionRequest, error)
	UpdateCorrection(ctx context.Context, c *CorrectionRequest) error
	ListCorrections(ctx context.Context, sessionID string, status CorrectionStatus) ([]CorrectionRequest, error)

	ApprovedLeaves(ctx context.Context, studentID string) ([]LeaveApplication, error)

	GetSection(ctx context.Context, id string) (Section, error)
	GetSlot(ctx context.Context, id string) (Slot, error)
	SlotsOn(ctx context.Context, weekday time.Weekday) ([]Slot, error)
	EnrolledStudents(ctx context.Context, sectionID string) ([]Student, error)

	Settings(ctx context.Context) ([]Setting, error)
	PutSetting(ctx context.Context, s Setting) error

	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, entity EntityType, entityID string, limit, offset int) ([]AuditEntry, error)
}
