package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"classroll/internal/logging"
	"classroll/internal/metrics"
)

// SubmitRequest is one attendance signal from a capture channel. Either
// SessionID or QRToken identifies the session. DedupKey is the client
// submission id for offline sources and the vendor event id otherwise.
type SubmitRequest struct {
	SessionID   string    `json:"session_id" validate:"required_without=QRToken"`
	QRToken     string    `json:"qr_token"`
	StudentID   string    `json:"student_id" validate:"required"`
	Mark        Mark      `json:"mark" validate:"required,mark"`
	Source      Source    `json:"source" validate:"required,source"`
	DedupKey    string    `json:"dedup_key" validate:"max=128"`
	SubmittedAt time.Time `json:"submitted_at"`
	Reason      string    `json:"reason" validate:"max=500"`
	Device      string    `json:"device" validate:"max=255"`
	Network     string    `json:"network" validate:"max=255"`
	Latitude    *float64  `json:"latitude" validate:"omitempty,latitude"`
	Longitude   *float64  `json:"longitude" validate:"omitempty,longitude"`
}

// BulkItem is one row of a bulk mark.
type BulkItem struct {
	StudentID string `json:"student_id"`
	Mark      Mark   `json:"mark"`
}

// BulkError reports why one bulk row failed.
type BulkError struct {
	StudentID string `json:"student_id"`
	Kind      Kind   `json:"kind"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// BulkSummary is the outcome of BulkMark.
type BulkSummary struct {
	Updated int         `json:"updated"`
	Failed  int         `json:"failed"`
	Errors  []BulkError `json:"errors"`
}

type outcome string

const (
	outcomeCreated     outcome = "created"
	outcomeOverwritten outcome = "overwritten"
	outcomeReplayed    outcome = "replayed"
)

// errRaced signals that a concurrent insert won the (session, student) slot;
// the submission is re-resolved against the committed record.
var errRaced = errors.New("record inserted concurrently")

const maxSubmitAttempts = 3

// Submit records an attendance signal, resolving duplicates by dedup key and
// source priority. Replays return the existing record unchanged.
func (s *Service) Submit(ctx context.Context, actor Actor, req SubmitRequest) (Record, error) {
	rec, out, err := s.submit(ctx, actor, req)
	if err != nil {
		metrics.Submissions.WithLabelValues(string(req.Source), CodeOf(err)).Inc()
		logging.Debug().Err(err).Str("student_id", req.StudentID).Str("source", string(req.Source)).Msg("submission rejected")
		return Record{}, err
	}
	metrics.Submissions.WithLabelValues(string(req.Source), string(out)).Inc()
	logging.Debug().Str("session_id", rec.SessionID).Str("student_id", rec.StudentID).
		Str("source", string(req.Source)).Str("outcome", string(out)).Msg("submission accepted")
	return rec, nil
}

func (s *Service) submit(ctx context.Context, actor Actor, req SubmitRequest) (Record, outcome, error) {
	if err := s.check(req); err != nil {
		return Record{}, "", err
	}
	if req.Source == SourceQR && req.QRToken == "" {
		return Record{}, "", reject(ErrInvalidInput, "qr submissions require a qr token")
	}
	if err := authorizeSubmit(actor, req.Source, req.StudentID); err != nil {
		return Record{}, "", err
	}

	sessionID := req.SessionID
	if req.QRToken != "" {
		sess, err := s.ResolveQR(ctx, req.QRToken)
		if err != nil {
			return Record{}, "", err
		}
		if sessionID != "" && sessionID != sess.ID {
			return Record{}, "", reject(ErrInvalidQRToken, "token belongs to another session")
		}
		sessionID = sess.ID
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = s.now()
	}

	if _, err := s.Advance(ctx, sessionID); err != nil {
		return Record{}, "", err
	}

	for attempt := 1; ; attempt++ {
		var rec Record
		var out outcome
		err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			rec, out, err = s.submitTx(ctx, tx, actor, sessionID, req)
			return err
		})
		if errors.Is(err, errRaced) && attempt < maxSubmitAttempts {
			continue
		}
		if errors.Is(err, errRaced) {
			return Record{}, "", persistence("resolve concurrent submission", err)
		}
		return rec, out, err
	}
}

func (s *Service) submitTx(ctx context.Context, tx Tx, actor Actor, sessionID string, req SubmitRequest) (Record, outcome, error) {
	sess, err := s.loadSession(ctx, tx, sessionID, LockShare)
	if err != nil {
		return Record{}, "", err
	}
	p, err := s.policy(ctx, tx)
	if err != nil {
		return Record{}, "", err
	}
	if sess.Status == StatusLocked {
		return Record{}, "", reject(ErrSessionLocked, "session %s is locked", sess.ID)
	}

	existing, err := tx.GetRecordForUpdate(ctx, sess.ID, req.StudentID)
	if err != nil && !errors.Is(err, errNoRows) {
		return Record{}, "", persistence("get record", err)
	}
	found := err == nil
	// A retried event is answered from the stored record even after the
	// session has moved on.
	if found && isReplay(existing, req) {
		return existing, outcomeReplayed, nil
	}

	if err := s.writable(sess, req.Source, p); err != nil {
		return Record{}, "", err
	}
	if _, err := tx.GetRosterEntry(ctx, sess.ID, req.StudentID); err != nil {
		if errors.Is(err, errNoRows) {
			return Record{}, "", reject(ErrNotEnrolled, "student %s is not on the roster of session %s", req.StudentID, sess.ID)
		}
		return Record{}, "", persistence("get roster entry", err)
	}
	if req.Source == SourceOffline {
		earliest := sess.StartsAt.Add(-p.OfflineSyncDelta)
		latest := sess.EndsAt.Add(p.OfflineSyncDelta)
		if req.SubmittedAt.Before(earliest) || req.SubmittedAt.After(latest) {
			return Record{}, "", reject(ErrStaleOffline, "submitted at %s, outside %s..%s",
				req.SubmittedAt.UTC().Format(time.RFC3339), earliest.Format(time.RFC3339), latest.Format(time.RFC3339))
		}
	}

	now := s.now().UTC()
	if !found {
		rec := s.newRecord(actor, sess.ID, req, now)
		if err := tx.InsertRecord(ctx, &rec); err != nil {
			if errors.Is(err, errConflict) {
				return Record{}, "", errRaced
			}
			return Record{}, "", persistence("insert record", err)
		}
		if err := s.afterWrite(ctx, tx, sess, req, now); err != nil {
			return Record{}, "", err
		}
		err := s.appendAudit(ctx, tx, auditInput{
			entity: EntityRecord, entityID: rec.ID, action: "record.create",
			after: rec, actor: actor.ID, source: string(req.Source), reason: req.Reason,
		})
		return rec, outcomeCreated, err
	}

	if req.Source.Priority() <= existing.Source.Priority() {
		return Record{}, "", reject(ErrLowerPriority, "%s submission cannot replace existing %s record", req.Source, existing.Source)
	}

	updated := s.newRecord(actor, sess.ID, req, now)
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	if err := tx.UpdateRecord(ctx, &updated); err != nil {
		return Record{}, "", persistence("update record", err)
	}
	if err := s.afterWrite(ctx, tx, sess, req, now); err != nil {
		return Record{}, "", err
	}
	err = s.appendAudit(ctx, tx, auditInput{
		entity: EntityRecord, entityID: updated.ID, action: "record.overwrite",
		before: existing, after: updated, actor: actor.ID, source: string(req.Source), reason: req.Reason,
	})
	return updated, outcomeOverwritten, err
}

// writable decides whether a source may write to a session in its current state.
func (s *Service) writable(sess Session, source Source, p Policy) error {
	switch sess.Status {
	case StatusOpen:
		return nil
	case StatusLocked:
		return reject(ErrSessionLocked, "session %s is locked", sess.ID)
	case StatusClosed:
		if source != SourceImport && source != SourceSystem {
			return reject(ErrSessionNotOpen, "session %s is closed", sess.ID)
		}
		if !s.withinCorrectionWindow(sess.ScheduledDate, p) {
			return reject(ErrSessionNotOpen, "session %s is past its %d-day correction window", sess.ID, p.MaxCorrectionDays)
		}
		return nil
	default:
		return reject(ErrSessionNotOpen, "session %s is %s", sess.ID, sess.Status)
	}
}

func (s *Service) newRecord(actor Actor, sessionID string, req SubmitRequest, now time.Time) Record {
	rec := Record{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StudentID: req.StudentID,
		Mark:      req.Mark,
		MarkedAt:  now,
		Source:    req.Source,
		MarkedBy:  actor.ID,
		Reason:    req.Reason,
		Device:    req.Device,
		Network:   req.Network,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Source == SourceOffline {
		rec.ClientUUID = req.DedupKey
		rec.MarkedAt = req.SubmittedAt.UTC()
	} else {
		rec.VendorEventID = req.DedupKey
	}
	return rec
}

func (s *Service) afterWrite(ctx context.Context, tx Tx, sess Session, req SubmitRequest, now time.Time) error {
	if req.Source != SourceOffline {
		return nil
	}
	return persistence("touch offline sync", tx.TouchSync(ctx, sess.ID, now))
}

// isReplay reports whether req re-delivers the event already stored in rec.
func isReplay(rec Record, req SubmitRequest) bool {
	if req.DedupKey == "" {
		return false
	}
	if req.Source == SourceOffline {
		return rec.ClientUUID != "" && rec.ClientUUID == req.DedupKey
	}
	return rec.VendorEventID != "" && rec.VendorEventID == req.DedupKey
}

// authorizeSubmit enforces who may submit through which channel.
func authorizeSubmit(actor Actor, source Source, studentID string) error {
	switch source {
	case SourceSystem:
		if actor.system {
			return nil
		}
	case SourceManual, SourceQR, SourceOffline:
		if actor.IsAdmin || actor.IsFaculty {
			return nil
		}
		if actor.IsStudent && actor.ID == studentID {
			return nil
		}
	case SourceBiometric, SourceRFID:
		if actor.IsDevice || actor.IsAdmin || actor.IsFaculty {
			return nil
		}
	case SourceImport:
		if actor.IsAdmin || actor.IsFaculty {
			return nil
		}
	}
	return reject(ErrForbidden, "actor %s may not submit %s attendance for %s", actor.ID, source, studentID)
}

// BulkMark applies many marks to one session. Each row commits on its own;
// failures are collected rather than aborting the batch.
func (s *Service) BulkMark(ctx context.Context, actor Actor, sessionID string, items []BulkItem, source Source) (BulkSummary, error) {
	if !actor.Staff() {
		return BulkSummary{}, reject(ErrForbidden, "only faculty or admins may bulk mark")
	}
	if source == "" {
		source = SourceManual
	}
	if source != SourceManual && source != SourceImport {
		return BulkSummary{}, reject(ErrInvalidInput, "bulk marks must use manual or import source")
	}
	if sessionID == "" {
		return BulkSummary{}, reject(ErrInvalidInput, "session id required")
	}

	summary := BulkSummary{Errors: []BulkError{}}
	for _, item := range items {
		_, err := s.Submit(ctx, actor, SubmitRequest{
			SessionID: sessionID,
			StudentID: item.StudentID,
			Mark:      item.Mark,
			Source:    source,
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
	logging.Info().Str("session_id", sessionID).Int("updated", summary.Updated).Int("failed", summary.Failed).Msg("bulk mark")
	return summary, nil
}
