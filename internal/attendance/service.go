package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// QRSigner signs and verifies session QR tokens.
type QRSigner interface {
	Sign(sessionID string, issuedAt, expiresAt time.Time) (string, error)
	Verify(token string, now time.Time) (string, error)
}

// Service coordinates session lifecycle, capture, corrections and eligibility.
type Service struct {
	store    Store
	qr       QRSigner
	loc      *time.Location
	now      func() time.Time
	validate *validator.Validate
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the timezone used for session dates and slot times.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// NewService creates a service backed by a store.
func NewService(store Store, qr QRSigner, opts ...Option) *Service {
	s := &Service{
		store:    store,
		qr:       qr,
		loc:      time.UTC,
		now:      time.Now,
		validate: newValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("mark", func(fl validator.FieldLevel) bool {
		return Mark(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("source", func(fl validator.FieldLevel) bool {
		return Source(fl.Field().String()).Valid()
	})
	return v
}

// check runs struct validation and converts failures to ErrInvalidInput.
func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return reject(ErrInvalidInput, "%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return reject(ErrInvalidInput, "%s", strings.Join(msgs, "; "))
}

// dateOf truncates t to its calendar date in the service timezone, as UTC midnight.
func (s *Service) dateOf(t time.Time) time.Time {
	y, m, d := t.In(s.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *Service) today() time.Time { return s.dateOf(s.now()) }

// withinCorrectionWindow reports whether a session date is no older than
// the configured number of days before today.
func (s *Service) withinCorrectionWindow(sessionDate time.Time, p Policy) bool {
	oldest := s.today().AddDate(0, 0, -p.MaxCorrectionDays)
	return !sessionDate.Before(oldest)
}

func (s *Service) loadSession(ctx context.Context, tx Tx, id string, mode LockMode) (Session, error) {
	sess, err := tx.GetSession(ctx, id, mode)
	if errors.Is(err, errNoRows) {
		return Session{}, reject(ErrSessionNotFound, "session %s", id)
	}
	if err != nil {
		return Session{}, persistence("get session", err)
	}
	return sess, nil
}

// GetSession returns a session after applying any due automatic transition.
func (s *Service) GetSession(ctx context.Context, id string) (Session, error) {
	return s.Advance(ctx, id)
}

// Roster returns the frozen roster of a session.
func (s *Service) Roster(ctx context.Context, sessionID string) ([]RosterEntry, error) {
	var out []RosterEntry
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := s.loadSession(ctx, tx, sessionID, LockNone); err != nil {
			return err
		}
		var err error
		out, err = tx.ListRoster(ctx, sessionID)
		return persistence("list roster", err)
	})
	return out, err
}

// Records returns all attendance records of a session.
func (s *Service) Records(ctx context.Context, sessionID string) ([]Record, error) {
	var out []Record
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := s.loadSession(ctx, tx, sessionID, LockNone); err != nil {
			return err
		}
		var err error
		out, err = tx.ListRecords(ctx, sessionID)
		return persistence("list records", err)
	})
	return out, err
}
