// Package window evaluates weekly allow/deny maintenance windows that gate
// when a reboot may actually be issued.
package window

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Decision reports whether a point in time falls inside the configured windows.
type Decision struct {
	Allowed         bool
	AllowConfigured bool
	MatchedAllow    string
	MatchedDeny     string
}

// Schedule holds parsed allow and deny windows. Deny windows are checked
// first; when any allow window is configured, the time must additionally fall
// inside one of them.
type Schedule struct {
	allow []span
	deny  []span
}

// span is a half-open interval in minutes since the start of the week (Sunday
// 00:00), tagged with its source expression.
type span struct {
	start int
	end   int
	expr  string
}

const (
	minutesPerDay  = 24 * 60
	minutesPerWeek = 7 * minutesPerDay
)

// Parse builds a Schedule from allow/deny expressions such as
// "Mon-Fri 22:00-04:00", "Sat,Sun 00:00-23:59", or "* 02:00-03:00".
// It returns nil when both lists are empty.
func Parse(allow, deny []string) (*Schedule, error) {
	s := &Schedule{}
	for i, expr := range deny {
		spans, err := parseExpression(expr)
		if err != nil {
			return nil, fmt.Errorf("windows.deny[%d]: %w", i, err)
		}
		s.deny = append(s.deny, spans...)
	}
	for i, expr := range allow {
		spans, err := parseExpression(expr)
		if err != nil {
			return nil, fmt.Errorf("windows.allow[%d]: %w", i, err)
		}
		s.allow = append(s.allow, spans...)
	}
	if len(s.allow) == 0 && len(s.deny) == 0 {
		return nil, nil
	}
	return s, nil
}

// Evaluate reports whether t is inside an allowed window.
func (s *Schedule) Evaluate(t time.Time) Decision {
	minute := int(t.Weekday())*minutesPerDay + t.Hour()*60 + t.Minute()
	decision := Decision{Allowed: true, AllowConfigured: len(s.allow) > 0}

	for _, sp := range s.deny {
		if sp.contains(minute) {
			decision.Allowed = false
			decision.MatchedDeny = sp.expr
			return decision
		}
	}

	if decision.AllowConfigured {
		decision.Allowed = false
		for _, sp := range s.allow {
			if sp.contains(minute) {
				decision.Allowed = true
				decision.MatchedAllow = sp.expr
				return decision
			}
		}
	}

	return decision
}

func (sp span) contains(minute int) bool {
	return minute >= sp.start && minute < sp.end
}

// parseExpression turns "<dayspec> HH:MM-HH:MM" into week spans. A time range
// crossing midnight wraps into the following day. An expression without a
// time range ("Sat", "Mon-Fri", "*") covers the named days in full.
func parseExpression(expr string) ([]span, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, fmt.Errorf("expression must not be empty")
	}

	fields := strings.Fields(trimmed)
	daySpec := trimmed
	startMin, endMin := 0, minutesPerDay
	if last := fields[len(fields)-1]; strings.Contains(last, ":") {
		daySpec = "*"
		if len(fields) > 1 {
			daySpec = strings.Join(fields[:len(fields)-1], " ")
		}
		var err error
		startMin, endMin, err = parseTimeRange(last)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", expr, err)
		}
	}
	days, err := parseDays(daySpec)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", expr, err)
	}

	spans := make([]span, 0, len(days))
	for _, day := range days {
		start := int(day)*minutesPerDay + startMin
		end := int(day)*minutesPerDay + endMin
		if end <= start {
			end += minutesPerDay
		}
		if end > minutesPerWeek {
			spans = append(spans,
				span{start: start, end: minutesPerWeek, expr: trimmed},
				span{start: 0, end: end - minutesPerWeek, expr: trimmed},
			)
			continue
		}
		spans = append(spans, span{start: start, end: end, expr: trimmed})
	}
	return spans, nil
}

func parseTimeRange(spec string) (int, int, error) {
	parts := strings.Split(spec, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time range must be HH:MM-HH:MM, got %q", spec)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseClock(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q (expected HH:MM)", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour*60 + minute, nil
}

func parseDays(spec string) ([]time.Weekday, error) {
	trimmed := strings.ToLower(strings.TrimSpace(spec))
	if trimmed == "" || trimmed == "*" {
		return []time.Weekday{
			time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
			time.Thursday, time.Friday, time.Saturday,
		}, nil
	}

	days := make([]time.Weekday, 0, 7)
	seen := make(map[time.Weekday]struct{}, 7)
	add := func(day time.Weekday) {
		if _, ok := seen[day]; !ok {
			seen[day] = struct{}{}
			days = append(days, day)
		}
	}

	for _, token := range strings.Split(trimmed, ",") {
		token = strings.TrimSpace(token)
		if from, to, ok := strings.Cut(token, "-"); ok {
			start, err := parseDayName(from)
			if err != nil {
				return nil, err
			}
			end, err := parseDayName(to)
			if err != nil {
				return nil, err
			}
			for day := start; ; day = (day + 1) % 7 {
				add(day)
				if day == end {
					break
				}
			}
			continue
		}
		day, err := parseDayName(token)
		if err != nil {
			return nil, err
		}
		add(day)
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("day specification %q resolved to no days", spec)
	}
	return days, nil
}

func parseDayName(value string) (time.Weekday, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "sun", "sunday":
		return time.Sunday, nil
	case "mon", "monday":
		return time.Monday, nil
	case "tue", "tues", "tuesday":
		return time.Tuesday, nil
	case "wed", "weds", "wednesday":
		return time.Wednesday, nil
	case "thu", "thur", "thurs", "thursday":
		return time.Thursday, nil
	case "fri", "friday":
		return time.Friday, nil
	case "sat", "saturday":
		return time.Saturday, nil
	}
	return time.Sunday, fmt.Errorf("unknown day %q", value)
}
