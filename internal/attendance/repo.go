package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore persists the engine in Postgres through database/sql and pgx.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InTx runs fn inside a READ COMMITTED transaction.
func (p *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

type pgTx struct {
	tx *sql.Tx
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errNoRows
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", errConflict, pgErr.ConstraintName)
	}
	return err
}

const sessionColumns = `id, section_id, faculty_id, slot_id, scheduled_date, starts_at, ends_at,
	actual_start, actual_end, room, status, makeup, qr_token, qr_expires_at,
	offline_sync_token, last_sync_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.SectionID, &s.FacultyID, &s.SlotID, &s.ScheduledDate, &s.StartsAt, &s.EndsAt,
		&s.ActualStart, &s.ActualEnd, &s.Room, &s.Status, &s.Makeup, &s.QRToken, &s.QRExpiresAt,
		&s.OfflineSyncToken, &s.LastSyncAt, &s.CreatedAt, &s.UpdatedAt)
	return s, translate(err)
}

func (t *pgTx) InsertSession(ctx context.Context, s *Session) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO sessions (id, section_id, faculty_id, slot_id, scheduled_date, starts_at, ends_at,
			room, status, makeup, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT DO NOTHING
	`, s.ID, s.SectionID, s.FacultyID, s.SlotID, s.ScheduledDate, s.StartsAt, s.EndsAt,
		s.Room, s.Status, s.Makeup, s.CreatedAt, s.UpdatedAt)
	return insertResult(res, err)
}

// insertResult turns an ON CONFLICT DO NOTHING miss into errConflict.
func insertResult(res sql.Result, err error) error {
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errConflict
	}
	return nil
}

func (t *pgTx) GetSession(ctx context.Context, id string, mode LockMode) (Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	switch mode {
	case LockShare:
		query += ` FOR SHARE`
	case LockUpdate:
		query += ` FOR UPDATE`
	}
	return scanSession(t.tx.QueryRowContext(ctx, query, id))
}

func (t *pgTx) TransitionSession(ctx context.Context, id string, from SessionStatus, upd SessionUpdate) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sessions
		SET status = $3,
			actual_start = COALESCE($4, actual_start),
			actual_end = COALESCE($5, actual_end),
			offline_sync_token = COALESCE(NULLIF($6, ''), offline_sync_token),
			updated_at = $7
		WHERE id = $1 AND status = $2
	`, id, from, upd.Status, upd.ActualStart, upd.ActualEnd, upd.OfflineSyncToken, upd.At)
	if err != nil {
		return false, translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *pgTx) SetQRToken(ctx context.Context, id, token string, expiresAt, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sessions SET qr_token = $2, qr_expires_at = $3, updated_at = $4 WHERE id = $1
	`, id, token, expiresAt, at)
	return translate(err)
}

func (t *pgTx) TouchSync(ctx context.Context, id string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE sessions SET last_sync_at = $2 WHERE id = $1`, id, at)
	return translate(err)
}

func (t *pgTx) DueSessions(ctx context.Context, openBefore, closeBefore time.Time) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE (status = 'scheduled' AND starts_at <= $1)
		   OR (status = 'open' AND ends_at <= $2)
		ORDER BY id
	`, openBefore, closeBefore)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *pgTx) InsertRoster(ctx context.Context, entries []RosterEntry) error {
	for _, e := range entries {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO roster_entries (session_id, student_id, roll_number, full_name, section_id, captured_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (session_id, student_id) DO NOTHING
		`, e.SessionID, e.StudentID, e.RollNumber, e.FullName, e.SectionID, e.CapturedAt)
		if err != nil {
			return translate(err)
		}
	}
	return nil
}

func (t *pgTx) GetRosterEntry(ctx context.Context, sessionID, studentID string) (RosterEntry, error) {
	var e RosterEntry
	err := t.tx.QueryRowContext(ctx, `
		SELECT session_id, student_id, roll_number, full_name, section_id, captured_at
		FROM roster_entries WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID).Scan(&e.SessionID, &e.StudentID, &e.RollNumber, &e.FullName, &e.SectionID, &e.CapturedAt)
	return e, translate(err)
}

func (t *pgTx) ListRoster(ctx context.Context, sessionID string) ([]RosterEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT session_id, student_id, roll_number, full_name, section_id, captured_at
		FROM roster_entries WHERE session_id = $1
		ORDER BY roll_number, student_id
	`, sessionID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []RosterEntry
	for rows.Next() {
		var e RosterEntry
		if err := rows.Scan(&e.SessionID, &e.StudentID, &e.RollNumber, &e.FullName, &e.SectionID, &e.CapturedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const recordColumns = `id, session_id, student_id, mark, marked_at, source, vendor_event_id, client_uuid,
	marked_by, reason, device, network, latitude, longitude, created_at, updated_at`

func scanRecord(row scanner) (Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.SessionID, &r.StudentID, &r.Mark, &r.MarkedAt, &r.Source, &r.VendorEventID, &r.ClientUUID,
		&r.MarkedBy, &r.Reason, &r.Device, &r.Network, &r.Latitude, &r.Longitude, &r.CreatedAt, &r.UpdatedAt)
	return r, translate(err)
}

func (t *pgTx) GetRecordForUpdate(ctx context.Context, sessionID, studentID string) (Record, error) {
	return scanRecord(t.tx.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1 AND student_id = $2
		FOR UPDATE
	`, sessionID, studentID))
}

func (t *pgTx) InsertRecord(ctx context.Context, r *Record) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, r.ID, r.SessionID, r.StudentID, r.Mark, r.MarkedAt, r.Source, r.VendorEventID, r.ClientUUID,
		r.MarkedBy, r.Reason, r.Device, r.Network, r.Latitude, r.Longitude, r.CreatedAt, r.UpdatedAt)
	return insertResult(res, err)
}

func (t *pgTx) UpdateRecord(ctx context.Context, r *Record) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE attendance_records
		SET mark = $2, marked_at = $3, source = $4, vendor_event_id = $5, client_uuid = $6,
			marked_by = $7, reason = $8, device = $9, network = $10, latitude = $11, longitude = $12,
			updated_at = $13
		WHERE id = $1
	`, r.ID, r.Mark, r.MarkedAt, r.Source, r.VendorEventID, r.ClientUUID,
		r.MarkedBy, r.Reason, r.Device, r.Network, r.Latitude, r.Longitude, r.UpdatedAt)
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNoRows
	}
	return nil
}

func (t *pgTx) ListRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records WHERE session_id = $1 ORDER BY student_id
	`, sessionID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) StudentMarks(ctx context.Context, studentID string, f SummaryFilter) ([]MarkRow, error) {
	query := `
		SELECT s.id, s.section_id, s.scheduled_date, s.status, COALESCE(r.mark, '')
		FROM sessions s
		LEFT JOIN roster_entries re ON re.session_id = s.id AND re.student_id = $1
		LEFT JOIN attendance_records r ON r.session_id = s.id AND r.student_id = $1
		WHERE s.status <> 'cancelled'
			AND (r.id IS NOT NULL OR (re.student_id IS NOT NULL AND s.status IN ('closed', 'locked')))`
	args := []any{studentID}
	clauses := []string{}
	if f.SectionID != "" {
		args = append(args, f.SectionID)
		clauses = append(clauses, fmt.Sprintf("s.section_id = $%d", len(args)))
	}
	if f.Start != nil {
		args = append(args, *f.Start)
		clauses = append(clauses, fmt.Sprintf("s.scheduled_date >= $%d", len(args)))
	}
	if f.End != nil {
		args = append(args, *f.End)
		clauses = append(clauses, fmt.Sprintf("s.scheduled_date <= $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " AND " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY s.scheduled_date, s.starts_at, s.id"

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []MarkRow
	for rows.Next() {
		var m MarkRow
		if err := rows.Scan(&m.SessionID, &m.SectionID, &m.ScheduledDate, &m.SessionStatus, &m.Mark); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const correctionColumns = `id, session_id, student_id, from_mark, to_mark, reason, requested_by, status,
	decided_by, decided_at, decision_note, created_at`

func scanCorrection(row scanner) (CorrectionRequest, error) {
	var c CorrectionRequest
	err := row.Scan(&c.ID, &c.SessionID, &c.StudentID, &c.FromMark, &c.ToMark, &c.Reason, &c.RequestedBy, &c.Status,
		&c.DecidedBy, &c.DecidedAt, &c.DecisionNote, &c.CreatedAt)
	return c, translate(err)
}

func (t *pgTx) InsertCorrection(ctx context.Context, c *CorrectionRequest) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO correction_requests (`+correctionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT DO NOTHING
	`, c.ID, c.SessionID, c.StudentID, c.FromMark, c.ToMark, c.Reason, c.RequestedBy, c.Status,
		c.DecidedBy, c.DecidedAt, c.DecisionNote, c.CreatedAt)
	return insertResult(res, err)
}

func (t *pgTx) GetCorrectionForUpdate(ctx context.Context, id string) (CorrectionRequest, error) {
	return scanCorrection(t.tx.QueryRowContext(ctx, `
		SELECT `+correctionColumns+` FROM correction_requests WHERE id = $1 FOR UPDATE
	`, id))
}

func (t *pgTx) UpdateCorrection(ctx context.Context, c *CorrectionRequest) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE correction_requests
		SET status = $2, decided_by = $3, decided_at = $4, decision_note = $5
		WHERE id = $1
	`, c.ID, c.Status, c.DecidedBy, c.DecidedAt, c.DecisionNote)
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNoRows
	}
	return nil
}

func (t *pgTx) ListCorrections(ctx context.Context, sessionID string, status CorrectionStatus) ([]CorrectionRequest, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+correctionColumns+` FROM correction_requests
		WHERE session_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at, id
	`, sessionID, string(status))
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []CorrectionRequest
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) ApprovedLeaves(ctx context.Context, studentID string) ([]LeaveApplication, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, student_id, leave_type, start_date, end_date, status, affects_attendance
		FROM leave_applications
		WHERE student_id = $1 AND status = 'approved'
		ORDER BY start_date
	`, studentID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []LeaveApplication
	for rows.Next() {
		var l LeaveApplication
		if err := rows.Scan(&l.ID, &l.StudentID, &l.LeaveType, &l.StartDate, &l.EndDate, &l.Status, &l.AffectsAttendance); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) GetSection(ctx context.Context, id string) (Section, error) {
	var s Section
	err := t.tx.QueryRowContext(ctx, `SELECT id, code, faculty_id FROM sections WHERE id = $1`, id).
		Scan(&s.ID, &s.Code, &s.FacultyID)
	return s, translate(err)
}

func scanSlot(row scanner) (Slot, error) {
	var s Slot
	var weekday int
	err := row.Scan(&s.ID, &s.SectionID, &weekday, &s.StartTime, &s.EndTime, &s.Room)
	s.Weekday = time.Weekday(weekday)
	return s, translate(err)
}

func (t *pgTx) GetSlot(ctx context.Context, id string) (Slot, error) {
	return scanSlot(t.tx.QueryRowContext(ctx, `
		SELECT id, section_id, weekday, start_time, end_time, room FROM recurring_slots WHERE id = $1
	`, id))
}

func (t *pgTx) SlotsOn(ctx context.Context, weekday time.Weekday) ([]Slot, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, section_id, weekday, start_time, end_time, room FROM recurring_slots
		WHERE weekday = $1 ORDER BY id
	`, int(weekday))
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) EnrolledStudents(ctx context.Context, sectionID string) ([]Student, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT st.id, st.roll_number, st.full_name
		FROM section_enrollments e
		JOIN students st ON st.id = e.student_id
		WHERE e.section_id = $1
		ORDER BY st.roll_number, st.id
	`, sectionID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.RollNumber, &s.FullName); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) Settings(ctx context.Context) ([]Setting, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT key, value_type, value FROM engine_settings ORDER BY key`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []Setting
	for rows.Next() {
		var s Setting
		if err := rows.Scan(&s.Key, &s.Type, &s.Value); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) PutSetting(ctx context.Context, s Setting) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO engine_settings (key, value_type, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value_type = EXCLUDED.value_type,
			value = EXCLUDED.value,
			updated_at = NOW()
	`, s.Key, s.Type, s.Value)
	return translate(err)
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (t *pgTx) AppendAudit(ctx context.Context, e *AuditEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, entity_type, entity_id, action, before, after, actor_id, source, reason, correlation_id, created_at)
		VALUES ($1,$2,$3,$4,$5::jsonb,$6::jsonb,$7,$8,$9,$10,$11)
	`, e.ID, e.EntityType, e.EntityID, e.Action, nullJSON(e.Before), nullJSON(e.After),
		e.ActorID, e.Source, e.Reason, e.CorrelationID, e.CreatedAt)
	return translate(err)
}

func (t *pgTx) ListAudit(ctx context.Context, entity EntityType, entityID string, limit, offset int) ([]AuditEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, before, after, actor_id, source, reason, correlation_id, created_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY seq
		LIMIT $3 OFFSET $4
	`, entity, entityID, limit, offset)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	out := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var before, after []byte
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &before, &after,
			&e.ActorID, &e.Source, &e.Reason, &e.CorrelationID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Before = before
		e.After = after
		out = append(out, e)
	}
	return out, rows.Err()
}
