package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"classroll/internal/logging"
	"classroll/internal/metrics"
)

// CreateSessionRequest schedules one session. With SlotID set, times and
// room come from the recurring slot.
type CreateSessionRequest struct {
	SectionID string    `json:"section_id" validate:"required"`
	Date      time.Time `json:"date" validate:"required"`
	SlotID    string    `json:"slot_id"`
	StartsAt  time.Time `json:"starts_at" validate:"required_without=SlotID"`
	EndsAt    time.Time `json:"ends_at" validate:"required_without=SlotID"`
	Room      string    `json:"room" validate:"max=64"`
	Makeup    bool      `json:"makeup"`
}

// CreateSession schedules a session for a section on a date.
func (s *Service) CreateSession(ctx context.Context, actor Actor, req CreateSessionRequest) (Session, error) {
	if !actor.Staff() {
		return Session{}, reject(ErrForbidden, "only faculty or admins may create sessions")
	}
	if err := s.check(req); err != nil {
		return Session{}, err
	}
	var out Session
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		sess, err := s.buildSession(ctx, tx, req)
		if err != nil {
			return err
		}
		if err := tx.InsertSession(ctx, &sess); err != nil {
			if errors.Is(err, errConflict) {
				return reject(ErrSessionExists, "slot %s already has a session on %s", req.SlotID, sess.ScheduledDate.Format(time.DateOnly))
			}
			return persistence("insert session", err)
		}
		out = sess
		return s.appendAudit(ctx, tx, auditInput{
			entity: EntitySession, entityID: sess.ID, action: "session.create",
			after: sess, actor: actor.ID, source: actorSource(actor),
		})
	})
	if err != nil {
		return Session{}, err
	}
	logging.Info().Str("session_id", out.ID).Str("section_id", out.SectionID).Msg("session scheduled")
	return out, nil
}

func (s *Service) buildSession(ctx context.Context, tx Tx, req CreateSessionRequest) (Session, error) {
	section, err := tx.GetSection(ctx, req.SectionID)
	if errors.Is(err, errNoRows) {
		return Session{}, reject(ErrCatalogNotFound, "section %s", req.SectionID)
	}
	if err != nil {
		return Session{}, persistence("get section", err)
	}
	now := s.now().UTC()
	date := s.dateOf(req.Date)
	sess := Session{
		ID:            uuid.NewString(),
		SectionID:     section.ID,
		FacultyID:     section.FacultyID,
		ScheduledDate: date,
		Room:          req.Room,
		Status:        StatusScheduled,
		Makeup:        req.Makeup,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if req.SlotID == "" {
		if !req.EndsAt.After(req.StartsAt) {
			return Session{}, reject(ErrInvalidInput, "ends_at must be after starts_at")
		}
		sess.StartsAt = req.StartsAt.UTC()
		sess.EndsAt = req.EndsAt.UTC()
		return sess, nil
	}

	slot, err := tx.GetSlot(ctx, req.SlotID)
	if errors.Is(err, errNoRows) {
		return Session{}, reject(ErrCatalogNotFound, "slot %s", req.SlotID)
	}
	if err != nil {
		return Session{}, persistence("get slot", err)
	}
	if slot.SectionID != section.ID {
		return Session{}, reject(ErrInvalidInput, "slot %s belongs to section %s", slot.ID, slot.SectionID)
	}
	if slot.Weekday != date.Weekday() {
		return Session{}, reject(ErrInvalidInput, "slot %s runs on %s, not %s", slot.ID, slot.Weekday, date.Weekday())
	}
	start, err := s.clockOn(date, slot.StartTime)
	if err != nil {
		return Session{}, err
	}
	end, err := s.clockOn(date, slot.EndTime)
	if err != nil {
		return Session{}, err
	}
	if !end.After(start) {
		return Session{}, reject(ErrInvalidInput, "slot %s ends before it starts", slot.ID)
	}
	slotID := slot.ID
	sess.SlotID = &slotID
	sess.StartsAt = start
	sess.EndsAt = end
	if sess.Room == "" {
		sess.Room = slot.Room
	}
	return sess, nil
}

// clockOn combines a calendar date with an "HH:MM" wall clock in the service timezone.
func (s *Service) clockOn(date time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, reject(ErrInvalidInput, "bad slot time %q", hhmm)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, s.loc).UTC(), nil
}

// GenerateSessions creates sessions for every recurring slot that runs on
// date. Slots that already have a session are skipped, so reruns are safe.
func (s *Service) GenerateSessions(ctx context.Context, date time.Time) ([]Session, error) {
	day := s.dateOf(date)
	var slots []Slot
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		slots, err = tx.SlotsOn(ctx, day.Weekday())
		return persistence("list slots", err)
	})
	if err != nil {
		return nil, err
	}

	var created []Session
	var errs []error
	for _, slot := range slots {
		sess, err := s.CreateSession(ctx, SystemActor, CreateSessionRequest{SectionID: slot.SectionID, Date: day, SlotID: slot.ID})
		switch {
		case err == nil:
			created = append(created, sess)
		case errors.Is(err, ErrSessionExists):
		default:
			logging.Warn().Err(err).Str("slot_id", slot.ID).Msg("session generation failed")
			errs = append(errs, fmt.Errorf("slot %s: %w", slot.ID, err))
		}
	}
	return created, errors.Join(errs...)
}

// OpenSession moves a scheduled session to open.
func (s *Service) OpenSession(ctx context.Context, actor Actor, id string) (Session, error) {
	return s.explicit(ctx, actor, id, StatusOpen)
}

// CloseSession moves an open session to closed.
func (s *Service) CloseSession(ctx context.Context, actor Actor, id string) (Session, error) {
	return s.explicit(ctx, actor, id, StatusClosed)
}

// CancelSession cancels a scheduled or open session.
func (s *Service) CancelSession(ctx context.Context, actor Actor, id string) (Session, error) {
	return s.explicit(ctx, actor, id, StatusCancelled)
}

// LockSession freezes a closed session against further mutation.
func (s *Service) LockSession(ctx context.Context, actor Actor, id string) (Session, error) {
	return s.explicit(ctx, actor, id, StatusLocked)
}

func (s *Service) explicit(ctx context.Context, actor Actor, id string, to SessionStatus) (Session, error) {
	if !actor.Staff() {
		return Session{}, reject(ErrForbidden, "only faculty or admins may change session state")
	}
	if _, err := s.Advance(ctx, id); err != nil {
		return Session{}, err
	}
	var out Session
	var changed bool
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		changed = false
		sess, err := s.loadSession(ctx, tx, id, LockUpdate)
		if err != nil {
			return err
		}
		if sess.Status == to {
			out = sess
			return nil
		}
		p, err := s.policy(ctx, tx)
		if err != nil {
			return err
		}
		switch {
		case to == StatusOpen && sess.Status == StatusScheduled:
			out, err = s.open(ctx, tx, sess, actor)
		case to == StatusClosed && sess.Status == StatusOpen:
			out, err = s.close(ctx, tx, sess, p, actor)
		case to == StatusLocked && sess.Status == StatusClosed:
			out, err = s.move(ctx, tx, sess, SessionUpdate{Status: StatusLocked}, actor, "session.lock")
		case to == StatusCancelled && (sess.Status == StatusScheduled || sess.Status == StatusOpen):
			out, err = s.move(ctx, tx, sess, SessionUpdate{Status: StatusCancelled}, actor, "session.cancel")
		default:
			err = reject(ErrInvalidTransition, "cannot move session from %s to %s", sess.Status, to)
		}
		changed = err == nil
		return err
	})
	if err != nil {
		return Session{}, err
	}
	if !changed {
		return out, nil
	}
	metrics.SessionTransitions.WithLabelValues(string(to), "explicit").Inc()
	logging.Info().Str("session_id", id).Str("status", string(out.Status)).Str("actor", actor.ID).Msg("session transition")
	return out, nil
}

func actorSource(actor Actor) string {
	if actor.system {
		return string(SourceSystem)
	}
	return string(SourceManual)
}

// move applies a conditional status update keyed on the session's current
// status and audits it.
func (s *Service) move(ctx context.Context, tx Tx, sess Session, upd SessionUpdate, actor Actor, action string) (Session, error) {
	upd.At = s.now().UTC()
	ok, err := tx.TransitionSession(ctx, sess.ID, sess.Status, upd)
	if err != nil {
		return Session{}, persistence("transition session", err)
	}
	if !ok {
		return Session{}, reject(ErrInvalidTransition, "session %s is no longer %s", sess.ID, sess.Status)
	}
	after := sess
	after.Status = upd.Status
	after.UpdatedAt = upd.At
	if upd.ActualStart != nil {
		after.ActualStart = upd.ActualStart
	}
	if upd.ActualEnd != nil {
		after.ActualEnd = upd.ActualEnd
	}
	if upd.OfflineSyncToken != "" {
		after.OfflineSyncToken = upd.OfflineSyncToken
	}
	err = s.appendAudit(ctx, tx, auditInput{
		entity: EntitySession, entityID: sess.ID, action: action,
		before: sess, after: after, actor: actor.ID, source: actorSource(actor),
	})
	if err != nil {
		return Session{}, err
	}
	return after, nil
}

// open transitions scheduled → open and freezes the roster.
func (s *Service) open(ctx context.Context, tx Tx, sess Session, actor Actor) (Session, error) {
	now := s.now().UTC()
	out, err := s.move(ctx, tx, sess, SessionUpdate{
		Status:           StatusOpen,
		ActualStart:      &now,
		OfflineSyncToken: uuid.NewString(),
	}, actor, "session.open")
	if err != nil {
		return Session{}, err
	}

	students, err := tx.EnrolledStudents(ctx, sess.SectionID)
	if err != nil {
		return Session{}, persistence("list enrolled students", err)
	}
	entries := make([]RosterEntry, 0, len(students))
	for _, st := range students {
		entries = append(entries, RosterEntry{
			SessionID:  sess.ID,
			StudentID:  st.ID,
			RollNumber: st.RollNumber,
			FullName:   st.FullName,
			SectionID:  sess.SectionID,
			CapturedAt: now,
		})
	}
	if err := tx.InsertRoster(ctx, entries); err != nil {
		return Session{}, persistence("snapshot roster", err)
	}
	return out, nil
}

// close transitions open → closed and, under policy, marks every rostered
// student without a record absent.
func (s *Service) close(ctx context.Context, tx Tx, sess Session, p Policy, actor Actor) (Session, error) {
	now := s.now().UTC()
	out, err := s.move(ctx, tx, sess, SessionUpdate{Status: StatusClosed, ActualEnd: &now}, actor, "session.close")
	if err != nil {
		return Session{}, err
	}
	if !p.AutoMarkAbsent {
		return out, nil
	}

	roster, err := tx.ListRoster(ctx, sess.ID)
	if err != nil {
		return Session{}, persistence("list roster", err)
	}
	records, err := tx.ListRecords(ctx, sess.ID)
	if err != nil {
		return Session{}, persistence("list records", err)
	}
	marked := make(map[string]bool, len(records))
	for _, r := range records {
		marked[r.StudentID] = true
	}
	for _, entry := range roster {
		if marked[entry.StudentID] {
			continue
		}
		rec := Record{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			StudentID: entry.StudentID,
			Mark:      MarkAbsent,
			MarkedAt:  now,
			Source:    SourceSystem,
			MarkedBy:  SystemActor.ID,
			Reason:    "no attendance recorded before close",
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertRecord(ctx, &rec); err != nil {
			if errors.Is(err, errConflict) {
				continue
			}
			return Session{}, persistence("insert absent record", err)
		}
		err := s.appendAudit(ctx, tx, auditInput{
			entity: EntityRecord, entityID: rec.ID, action: "record.create",
			after: rec, actor: SystemActor.ID, source: string(SourceSystem),
			reason: rec.Reason, correlation: sess.ID,
		})
		if err != nil {
			return Session{}, err
		}
	}
	return out, nil
}

// Advance applies any automatic transition that is due for the session. It
// is idempotent and safe to run concurrently: the session row is locked
// only when a transition is due, and each step is a conditional update.
func (s *Service) Advance(ctx context.Context, id string) (Session, error) {
	var out Session
	var moved []SessionStatus
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		moved = moved[:0]
		sess, err := s.loadSession(ctx, tx, id, LockNone)
		if err != nil {
			return err
		}
		p, err := s.policy(ctx, tx)
		if err != nil {
			return err
		}
		out = sess
		if !s.due(sess, p) {
			return nil
		}
		sess, err = s.loadSession(ctx, tx, id, LockUpdate)
		if err != nil {
			return err
		}
		now := s.now()
		if sess.Status == StatusScheduled && p.AutoOpen && !now.Before(sess.StartsAt.Add(-p.GracePeriod)) {
			if sess, err = s.open(ctx, tx, sess, SystemActor); err != nil {
				return err
			}
			moved = append(moved, StatusOpen)
		}
		if sess.Status == StatusOpen && p.AutoClose && !now.Before(sess.EndsAt) {
			if sess, err = s.close(ctx, tx, sess, p, SystemActor); err != nil {
				return err
			}
			moved = append(moved, StatusClosed)
		}
		out = sess
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	for _, to := range moved {
		metrics.SessionTransitions.WithLabelValues(string(to), "auto").Inc()
		logging.Info().Str("session_id", id).Str("status", string(to)).Msg("automatic session transition")
	}
	return out, nil
}

func (s *Service) due(sess Session, p Policy) bool {
	now := s.now()
	switch sess.Status {
	case StatusScheduled:
		return p.AutoOpen && !now.Before(sess.StartsAt.Add(-p.GracePeriod))
	case StatusOpen:
		return p.AutoClose && !now.Before(sess.EndsAt)
	}
	return false
}

// Sweep advances every session with a due automatic transition. It returns
// the number of sessions inspected.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	var ids []string
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := s.policy(ctx, tx)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		ids, err = tx.DueSessions(ctx, now.Add(p.GracePeriod), now)
		return persistence("list due sessions", err)
	})
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if _, err := s.Advance(ctx, id); err != nil {
			logging.Warn().Err(err).Str("session_id", id).Msg("sweep advance failed")
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return len(ids), errors.Join(errs...)
}

// IssueQR issues a fresh QR token for an open session, replacing any earlier one.
func (s *Service) IssueQR(ctx context.Context, actor Actor, id string) (string, time.Time, error) {
	if !actor.Staff() {
		return "", time.Time{}, reject(ErrForbidden, "only faculty or admins may issue QR codes")
	}
	if _, err := s.Advance(ctx, id); err != nil {
		return "", time.Time{}, err
	}
	var token string
	var expiry time.Time
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		sess, err := s.loadSession(ctx, tx, id, LockUpdate)
		if err != nil {
			return err
		}
		if sess.Status != StatusOpen {
			return reject(ErrSessionNotOpen, "session %s is %s", id, sess.Status)
		}
		p, err := s.policy(ctx, tx)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		expiry = now.Add(p.QRTokenLifetime)
		token, err = s.qr.Sign(sess.ID, now, expiry)
		if err != nil {
			return &Error{Kind: ErrQRSigning.Kind, Code: ErrQRSigning.Code, Message: "sign qr token", Err: err}
		}
		if err := tx.SetQRToken(ctx, sess.ID, token, expiry, now); err != nil {
			return persistence("store qr token", err)
		}
		return s.appendAudit(ctx, tx, auditInput{
			entity: EntitySession, entityID: sess.ID, action: "session.qr_issue",
			before: map[string]any{"qr_expires_at": sess.QRExpiresAt},
			after:  map[string]any{"qr_expires_at": expiry},
			actor:  actor.ID, source: string(SourceQR),
		})
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiry, nil
}

// ResolveQR validates a QR token and returns its session without mutating state.
// Only the most recently issued, unexpired token is accepted.
func (s *Service) ResolveQR(ctx context.Context, token string) (Session, error) {
	now := s.now()
	sessionID, err := s.qr.Verify(token, now)
	if err != nil {
		return Session{}, reject(ErrInvalidQRToken, "%v", err)
	}
	var out Session
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		sess, err := s.loadSession(ctx, tx, sessionID, LockNone)
		if err != nil {
			return err
		}
		if sess.QRToken == "" || sess.QRToken != token {
			return reject(ErrInvalidQRToken, "token superseded or not issued for session %s", sessionID)
		}
		if sess.QRExpiresAt == nil || !now.Before(*sess.QRExpiresAt) {
			return reject(ErrInvalidQRToken, "token expired")
		}
		out = sess
		return nil
	})
	return out, err
}
