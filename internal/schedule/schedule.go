// Package schedule validates scheduled-task cron expressions and previews
// their upcoming runs.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTimezone applies to tasks that do not name one.
const DefaultTimezone = "Asia/Shanghai"

// ErrInvalidExpression is wrapped by every parse failure.
var ErrInvalidExpression = errors.New("invalid cron expression")

// Schedule is a parsed five-field crontab expression bound to a timezone.
type Schedule struct {
	Expression string
	Location   *time.Location
	spec       cron.Schedule
}

// Parse validates expr, a standard crontab expression or @descriptor, in the
// IANA timezone tz.
func Parse(expr, tz string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: timezone belongs in the task, not the expression", ErrInvalidExpression)
	}
	if tz == "" {
		tz = DefaultTimezone
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
	}

	spec, err := cron.ParseStandard("CRON_TZ=" + tz + " " + expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidExpression, expr, err)
	}

	return &Schedule{Expression: expr, Location: loc, spec: spec}, nil
}

// Next returns the first activation strictly after from, in the schedule's
// timezone. The zero time means the schedule never fires again.
func (s *Schedule) Next(from time.Time) time.Time {
	next := s.spec.Next(from)
	if next.IsZero() {
		return next
	}
	return next.In(s.Location)
}

// Upcoming returns up to n activations after from. It returns nil when n is
// not positive.
func (s *Schedule) Upcoming(from time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	runs := make([]time.Time, 0, n)
	t := from
	for len(runs) < n {
		t = s.Next(t)
		if t.IsZero() {
			break
		}
		runs = append(runs, t)
	}
	return runs
}

// NextRun parses expr in tz and returns its next activation after from.
func NextRun(expr, tz string, from time.Time) (time.Time, error) {
	s, err := Parse(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from), nil
}
