package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"classroll/internal/logging"
	"classroll/internal/metrics"
)

// CreateCorrectionRequest proposes changing a recorded mark.
type CreateCorrectionRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	StudentID string `json:"student_id" validate:"required"`
	ToMark    Mark   `json:"to_mark" validate:"required,mark"`
	Reason    string `json:"reason" validate:"required,max=500"`
}

// CreateCorrection files a pending correction against an existing record.
// Staff may file for anyone; students only for themselves.
func (s *Service) CreateCorrection(ctx context.Context, actor Actor, req CreateCorrectionRequest) (CorrectionRequest, error) {
	if err := s.check(req); err != nil {
		return CorrectionRequest{}, err
	}
	if !actor.Staff() && !(actor.IsStudent && actor.ID == req.StudentID) {
		return CorrectionRequest{}, reject(ErrForbidden, "actor %s may not request corrections for %s", actor.ID, req.StudentID)
	}
	if _, err := s.Advance(ctx, req.SessionID); err != nil {
		return CorrectionRequest{}, err
	}

	var out CorrectionRequest
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		sess, err := s.loadSession(ctx, tx, req.SessionID, LockShare)
		if err != nil {
			return err
		}
		if sess.Status == StatusLocked {
			return reject(ErrSessionLocked, "session %s is locked", sess.ID)
		}
		p, err := s.policy(ctx, tx)
		if err != nil {
			return err
		}
		if !s.withinCorrectionWindow(sess.ScheduledDate, p) {
			return reject(ErrAgeExceeded, "session %s is older than %d days", sess.ID, p.MaxCorrectionDays)
		}
		rec, err := tx.GetRecordForUpdate(ctx, sess.ID, req.StudentID)
		if errors.Is(err, errNoRows) {
			return reject(ErrRecordNotFound, "no record for student %s in session %s", req.StudentID, sess.ID)
		}
		if err != nil {
			return persistence("get record", err)
		}
		if rec.Mark == req.ToMark {
			return reject(ErrInvalidInput, "record is already %s", req.ToMark)
		}

		c := CorrectionRequest{
			ID:          uuid.NewString(),
			SessionID:   sess.ID,
			StudentID:   req.StudentID,
			FromMark:    rec.Mark,
			ToMark:      req.ToMark,
			Reason:      req.Reason,
			RequestedBy: actor.ID,
			Status:      CorrectionPending,
			CreatedAt:   s.now().UTC(),
		}
		if err := tx.InsertCorrection(ctx, &c); err != nil {
			if errors.Is(err, errConflict) {
				return reject(ErrDuplicatePending, "student %s already has a pending correction for session %s", req.StudentID, sess.ID)
			}
			return persistence("insert correction", err)
		}
		out = c
		return s.appendAudit(ctx, tx, auditInput{
			entity: EntityCorrection, entityID: c.ID, action: "correction.create",
			after: c, actor: actor.ID, source: string(SourceManual), reason: req.Reason,
		})
	})
	if err != nil {
		return CorrectionRequest{}, err
	}
	logging.Info().Str("correction_id", out.ID).Str("session_id", out.SessionID).Str("student_id", out.StudentID).Msg("correction requested")
	return out, nil
}

// DecideCorrection approves or rejects a pending correction. Approval
// rewrites the target record in the same transaction; both the decision and
// the record mutation are audited with the request id as correlation.
func (s *Service) DecideCorrection(ctx context.Context, actor Actor, id string, approve bool, note string) (CorrectionRequest, error) {
	if !actor.Staff() {
		return CorrectionRequest{}, reject(ErrForbidden, "only faculty or admins may decide corrections")
	}
	if id == "" {
		return CorrectionRequest{}, reject(ErrInvalidInput, "correction id required")
	}

	var out CorrectionRequest
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		c, err := s.loadCorrection(ctx, tx, id)
		if err != nil {
			return err
		}
		if c.Status != CorrectionPending {
			return reject(ErrNotPending, "correction %s is %s", c.ID, c.Status)
		}
		if c.RequestedBy == actor.ID {
			return reject(ErrForbidden, "requester may not decide their own correction")
		}
		if err := s.requireUnlocked(ctx, tx, c.SessionID); err != nil {
			return err
		}

		now := s.now().UTC()
		decided := c
		decided.DecidedBy = actor.ID
		decided.DecidedAt = &now
		decided.DecisionNote = note
		decided.Status = CorrectionRejected
		action := "correction.reject"

		if approve {
			decided.Status = CorrectionApproved
			action = "correction.approve"
			if err := s.applyCorrection(ctx, tx, c, actor, now); err != nil {
				return err
			}
		}
		if err := tx.UpdateCorrection(ctx, &decided); err != nil {
			return persistence("update correction", err)
		}
		out = decided
		return s.appendAudit(ctx, tx, auditInput{
			entity: EntityCorrection, entityID: c.ID, action: action,
			before: c, after: decided, actor: actor.ID, source: string(SourceManual),
			reason: note, correlation: c.ID,
		})
	})
	if err != nil {
		return CorrectionRequest{}, err
	}
	metrics.CorrectionDecisions.WithLabelValues(string(out.Status)).Inc()
	logging.Info().Str("correction_id", out.ID).Str("status", string(out.Status)).Str("actor", actor.ID).Msg("correction decided")
	return out, nil
}

// requireUnlocked holds the session against a concurrent lock for the rest
// of the transaction and rejects corrections on a locked session.
func (s *Service) requireUnlocked(ctx context.Context, tx Tx, sessionID string) error {
	sess, err := s.loadSession(ctx, tx, sessionID, LockShare)
	if err != nil {
		return err
	}
	if sess.Status == StatusLocked {
		return reject(ErrSessionLocked, "session %s is locked", sess.ID)
	}
	return nil
}

func (s *Service) applyCorrection(ctx context.Context, tx Tx, c CorrectionRequest, actor Actor, now time.Time) error {
	rec, err := tx.GetRecordForUpdate(ctx, c.SessionID, c.StudentID)
	if errors.Is(err, errNoRows) {
		return reject(ErrRecordNotFound, "no record for student %s in session %s", c.StudentID, c.SessionID)
	}
	if err != nil {
		return persistence("get record", err)
	}
	updated := rec
	updated.Mark = c.ToMark
	updated.MarkedBy = actor.ID
	updated.Reason = c.Reason
	updated.UpdatedAt = now
	if err := tx.UpdateRecord(ctx, &updated); err != nil {
		return persistence("apply correction", err)
	}
	return s.appendAudit(ctx, tx, auditInput{
		entity: EntityRecord, entityID: rec.ID, action: "record.correct",
		before: rec, after: updated, actor: actor.ID, source: string(rec.Source),
		reason: c.Reason, correlation: c.ID,
	})
}

// CancelCorrection withdraws a pending correction. Only the requester or an
// admin may cancel.
func (s *Service) CancelCorrection(ctx context.Context, actor Actor, id string) (CorrectionRequest, error) {
	var out CorrectionRequest
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		c, err := s.loadCorrection(ctx, tx, id)
		if err != nil {
			return err
		}
		if c.RequestedBy != actor.ID && !actor.IsAdmin {
			return reject(ErrForbidden, "only the requester or an admin may cancel correction %s", c.ID)
		}
		if c.Status != CorrectionPending {
			return reject(ErrNotPending, "correction %s is %s", c.ID, c.Status)
		}
		if err := s.requireUnlocked(ctx, tx, c.SessionID); err != nil {
			return err
		}
		now := s.now().UTC()
		cancelled := c
		cancelled.Status = CorrectionCancelled
		cancelled.DecidedBy = actor.ID
		cancelled.DecidedAt = &now
		if err := tx.UpdateCorrection(ctx, &cancelled); err != nil {
			return persistence("update correction", err)
		}
		out = cancelled
		return s.appendAudit(ctx, tx, auditInput{
			entity: EntityCorrection, entityID: c.ID, action: "correction.cancel",
			before: c, after: cancelled, actor: actor.ID, source: string(SourceManual), correlation: c.ID,
		})
	})
	if err != nil {
		return CorrectionRequest{}, err
	}
	metrics.CorrectionDecisions.WithLabelValues(string(CorrectionCancelled)).Inc()
	return out, nil
}

// ListCorrections returns the corrections filed against a session,
// optionally filtered by status.
func (s *Service) ListCorrections(ctx context.Context, actor Actor, sessionID string, status CorrectionStatus) ([]CorrectionRequest, error) {
	if !actor.Staff() {
		return nil, reject(ErrForbidden, "only faculty or admins may list corrections")
	}
	switch status {
	case "", CorrectionPending, CorrectionApproved, CorrectionRejected, CorrectionCancelled:
	default:
		return nil, reject(ErrInvalidInput, "unknown correction status %q", status)
	}
	var out []CorrectionRequest
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := s.loadSession(ctx, tx, sessionID, LockNone); err != nil {
			return err
		}
		var err error
		out, err = tx.ListCorrections(ctx, sessionID, status)
		return persistence("list corrections", err)
	})
	return out, err
}

func (s *Service) loadCorrection(ctx context.Context, tx Tx, id string) (CorrectionRequest, error) {
	c, err := tx.GetCorrectionForUpdate(ctx, id)
	if errors.Is(err, errNoRows) {
		return CorrectionRequest{}, reject(ErrRequestNotFound, "correction %s", id)
	}
	if err != nil {
		return CorrectionRequest{}, persistence("get correction", err)
	}
	return c, nil
}
