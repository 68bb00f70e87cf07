package attendance

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// SummaryQuery selects the marks an eligibility summary covers. Start and
// End are inclusive calendar dates.
type SummaryQuery struct {
	StudentID string     `json:"student_id" validate:"required"`
	SectionID string     `json:"section_id"`
	Start     *time.Time `json:"start"`
	End       *time.Time `json:"end"`
}

// Summary is a student's attendance standing.
type Summary struct {
	StudentID  string  `json:"student_id"`
	SectionID  string  `json:"section_id,omitempty"`
	Total      int     `json:"total"`
	Present    int     `json:"present"`
	Absent     int     `json:"absent"`
	Late       int     `json:"late"`
	Excused    int     `json:"excused"`
	Percentage float64 `json:"percentage"`
	LeaveDays  int     `json:"leave_days"`
	Eligible   bool    `json:"eligible"`
	Threshold  float64 `json:"threshold"`
}

// GetSummary computes attendance percentage and exam eligibility. Students
// may only read their own summary.
func (s *Service) GetSummary(ctx context.Context, actor Actor, q SummaryQuery) (Summary, error) {
	if err := s.check(q); err != nil {
		return Summary{}, err
	}
	if !actor.Staff() && actor.ID != q.StudentID {
		return Summary{}, reject(ErrForbidden, "actor %s may not read the summary of %s", actor.ID, q.StudentID)
	}
	var start, end *time.Time
	if q.Start != nil {
		d := s.dateOf(*q.Start)
		start = &d
	}
	if q.End != nil {
		d := s.dateOf(*q.End)
		end = &d
	}
	if start != nil && end != nil && end.Before(*start) {
		return Summary{}, reject(ErrInvalidInput, "end %s is before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}

	var out Summary
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := s.policy(ctx, tx)
		if err != nil {
			return err
		}
		rows, err := tx.StudentMarks(ctx, q.StudentID, SummaryFilter{SectionID: q.SectionID, Start: start, End: end})
		if err != nil {
			return persistence("list student marks", err)
		}
		leaves, err := tx.ApprovedLeaves(ctx, q.StudentID)
		if err != nil {
			return persistence("list leaves", err)
		}
		out = Calculate(rows, leaves, p, start, end)
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	out.StudentID = q.StudentID
	out.SectionID = q.SectionID
	return out, nil
}

// Calculate derives a summary from marks and leaves. Late counts as present,
// a rostered session with no record counts as absent, and cancelled sessions
// are ignored. Leave days are reported but never change the counts.
func Calculate(rows []MarkRow, leaves []LeaveApplication, p Policy, start, end *time.Time) Summary {
	var sum Summary
	for _, r := range rows {
		if r.SessionStatus == StatusCancelled {
			continue
		}
		if start != nil && r.ScheduledDate.Before(*start) {
			continue
		}
		if end != nil && r.ScheduledDate.After(*end) {
			continue
		}
		sum.Total++
		switch r.Mark {
		case MarkPresent:
			sum.Present++
		case MarkLate:
			sum.Present++
			sum.Late++
		case MarkAbsent, "":
			sum.Absent++
		case MarkExcused:
			sum.Excused++
		}
	}

	denom := sum.Total
	if p.ExcludeExcused {
		denom -= sum.Excused
	}
	if denom < 1 {
		denom = 1
	}
	sum.Percentage = percentage(sum.Present, denom)
	sum.Threshold = p.ThresholdPercent
	sum.Eligible = sum.Percentage >= p.ThresholdPercent
	sum.LeaveDays = leaveDays(leaves, start, end)
	return sum
}

// percentage returns 100*n/d rounded half-up to two decimals.
func percentage(n, d int) float64 {
	hundredths := (int64(n)*20000 + int64(d)) / (2 * int64(d))
	return float64(hundredths) / 100
}

// leaveDays counts distinct calendar days covered by approved leaves that
// affect attendance, clipped to the query range. Overlapping leaves are
// merged so each day counts once.
func leaveDays(leaves []LeaveApplication, start, end *time.Time) int {
	type span struct{ from, to time.Time }
	var spans []span
	for _, l := range leaves {
		if l.Status != "approved" || !l.AffectsAttendance {
			continue
		}
		from := truncateDay(l.StartDate)
		to := truncateDay(l.EndDate)
		if start != nil && from.Before(*start) {
			from = *start
		}
		if end != nil && to.After(*end) {
			to = *end
		}
		if to.Before(from) {
			continue
		}
		spans = append(spans, span{from, to})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].from.Before(spans[j].from) })

	days := 0
	for i := 0; i < len(spans); {
		cur := spans[i]
		i++
		for i < len(spans) && !spans[i].from.After(cur.to.AddDate(0, 0, 1)) {
			if spans[i].to.After(cur.to) {
				cur.to = spans[i].to
			}
			i++
		}
		days += int((cur.to.Unix()-cur.from.Unix())/secondsPerDay) + 1
	}
	return days
}

const secondsPerDay = 24 * 60 * 60

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// String renders the summary for logs.
func (s Summary) String() string {
	return fmt.Sprintf("%s: %d/%d present (%.2f%%), eligible=%t", s.StudentID, s.Present, s.Total, s.Percentage, s.Eligible)
}
