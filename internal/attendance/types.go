package attendance

import (
	"time"

	"github.com/goccy/go-json"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusOpen      SessionStatus = "open"
	StatusClosed    SessionStatus = "closed"
	StatusLocked    SessionStatus = "locked"
	StatusCancelled SessionStatus = "cancelled"
)

// Mark is the attendance outcome for one student in one session.
type Mark string

const (
	MarkPresent Mark = "present"
	MarkAbsent  Mark = "absent"
	MarkLate    Mark = "late"
	MarkExcused Mark = "excused"
)

// Valid reports whether m is a known mark.
func (m Mark) Valid() bool {
	switch m {
	case MarkPresent, MarkAbsent, MarkLate, MarkExcused:
		return true
	}
	return false
}

// Source is the capture channel a mark arrived through.
type Source string

const (
	SourceManual    Source = "manual"
	SourceQR        Source = "qr"
	SourceBiometric Source = "biometric"
	SourceRFID      Source = "rfid"
	SourceOffline   Source = "offline"
	SourceImport    Source = "import"
	SourceSystem    Source = "system"
)

// Priority orders sources for overwrite resolution; higher wins.
func (s Source) Priority() int {
	switch s {
	case SourceManual, SourceQR, SourceImport:
		return 3
	case SourceBiometric, SourceRFID:
		return 2
	case SourceOffline:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceQR, SourceBiometric, SourceRFID, SourceOffline, SourceImport, SourceSystem:
		return true
	}
	return false
}

// CorrectionStatus is the state of a correction request.
type CorrectionStatus string

const (
	CorrectionPending   CorrectionStatus = "pending"
	CorrectionApproved  CorrectionStatus = "approved"
	CorrectionRejected  CorrectionStatus = "rejected"
	CorrectionCancelled CorrectionStatus = "cancelled"
)

// Actor is the caller identity resolved by the identity collaborator.
type Actor struct {
	ID        string `json:"id"`
	IsAdmin   bool   `json:"is_admin"`
	IsFaculty bool   `json:"is_faculty"`
	IsStudent bool   `json:"is_student"`
	IsDevice  bool   `json:"is_device"`
	system    bool
}

// SystemActor is used for engine-originated writes such as auto-absent marks.
var SystemActor = Actor{ID: "system", system: true}

// Staff reports whether the actor may manage sessions and decide corrections.
func (a Actor) Staff() bool { return a.IsAdmin || a.IsFaculty || a.system }

// Session is one scheduled attendance window for a section on a date.
type Session struct {
	ID               string        `json:"id"`
	SectionID        string        `json:"section_id"`
	FacultyID        string        `json:"faculty_id"`
	SlotID           *string       `json:"slot_id,omitempty"`
	ScheduledDate    time.Time     `json:"scheduled_date"`
	StartsAt         time.Time     `json:"starts_at"`
	EndsAt           time.Time     `json:"ends_at"`
	ActualStart      *time.Time    `json:"actual_start,omitempty"`
	ActualEnd        *time.Time    `json:"actual_end,omitempty"`
	Room             string        `json:"room"`
	Status           SessionStatus `json:"status"`
	Makeup           bool          `json:"makeup"`
	QRToken          string        `json:"-"`
	QRExpiresAt      *time.Time    `json:"qr_expires_at,omitempty"`
	OfflineSyncToken string        `json:"offline_sync_token,omitempty"`
	LastSyncAt       *time.Time    `json:"last_sync_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// RosterEntry is a student frozen into a session's roster at open time.
type RosterEntry struct {
	SessionID  string    `json:"session_id"`
	StudentID  string    `json:"student_id"`
	RollNumber string    `json:"roll_number"`
	FullName   string    `json:"full_name"`
	SectionID  string    `json:"section_id"`
	CapturedAt time.Time `json:"captured_at"`
}

// Record is the authoritative mark for a (session, student) pair.
type Record struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	StudentID     string    `json:"student_id"`
	Mark          Mark      `json:"mark"`
	MarkedAt      time.Time `json:"marked_at"`
	Source        Source    `json:"source"`
	VendorEventID string    `json:"vendor_event_id,omitempty"`
	ClientUUID    string    `json:"client_uuid,omitempty"`
	MarkedBy      string    `json:"marked_by"`
	Reason        string    `json:"reason,omitempty"`
	Device        string    `json:"device,omitempty"`
	Network       string    `json:"network,omitempty"`
	Latitude      *float64  `json:"latitude,omitempty"`
	Longitude     *float64  `json:"longitude,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CorrectionRequest proposes a change to an existing record.
type CorrectionRequest struct {
	ID           string           `json:"id"`
	SessionID    string           `json:"session_id"`
	StudentID    string           `json:"student_id"`
	FromMark     Mark             `json:"from_mark"`
	ToMark       Mark             `json:"to_mark"`
	Reason       string           `json:"reason"`
	RequestedBy  string           `json:"requested_by"`
	Status       CorrectionStatus `json:"status"`
	DecidedBy    string           `json:"decided_by,omitempty"`
	DecidedAt    *time.Time       `json:"decided_at,omitempty"`
	DecisionNote string           `json:"decision_note,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// LeaveApplication is read from the leave collaborator.
type LeaveApplication struct {
	ID                string    `json:"id"`
	StudentID         string    `json:"student_id"`
	LeaveType         string    `json:"leave_type"`
	StartDate         time.Time `json:"start_date"`
	EndDate           time.Time `json:"end_date"`
	Status            string    `json:"status"`
	AffectsAttendance bool      `json:"affects_attendance"`
}

// EntityType tags what an audit entry refers to.
type EntityType string

const (
	EntitySession    EntityType = "session"
	EntityRecord     EntityType = "record"
	EntityCorrection EntityType = "correction"
	EntitySetting    EntityType = "setting"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntitySession, EntityRecord, EntityCorrection, EntitySetting:
		return true
	}
	return false
}

// AuditEntry is one append-only mutation record.
type AuditEntry struct {
	ID            string          `json:"id"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Action        string          `json:"action"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	ActorID       string          `json:"actor_id"`
	Source        string          `json:"source"`
	Reason        string          `json:"reason,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Section, Slot and Student are read-only catalog data.
type Section struct {
	ID        string
	Code      string
	FacultyID string
}

// Slot is a recurring weekly time slot for a section. Times are "15:04" in the engine timezone.
type Slot struct {
	ID        string
	SectionID string
	Weekday   time.Weekday
	StartTime string
	EndTime   string
	Room      string
}

type Student struct {
	ID         string
	RollNumber string
	FullName   string
}

// MarkRow is one session a student is accountable for, used by the
// calculator. Mark is empty when a rostered session ended without a record.
type MarkRow struct {
	SessionID     string
	SectionID     string
	ScheduledDate time.Time
	SessionStatus SessionStatus
	Mark          Mark
}
