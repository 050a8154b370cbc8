package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind tells whether a schedule fires on wall-clock fields or at a
// fixed spacing.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a normalized schedule string.
//
// Accepted forms:
//   - cron, 5 or 6 fields or a descriptor: "*/5 * * * *", "@hourly", "@every 55m"
//   - Go duration: "55m", "2h30m"
//   - HH:MM spacing: "00:50" is every 50 minutes, "26:00" every 26 hours
//   - "daily:HH:MM" once a day at that wall-clock time
//
// "cron:", "interval:" and "every:" force the interpretation.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // cron, duration, hhmm or daily
}

var errIntervalNotPositive = errors.New("interval must be > 0")

type prefixParser struct {
	prefix string
	parse  func(rest string) (ParsedSpec, error)
}

var prefixParsers = []prefixParser{
	{"cron:", func(rest string) (ParsedSpec, error) {
		if rest == "" {
			return ParsedSpec{}, errors.New("cron expression required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: rest, Source: "cron"}, nil
	}},
	{"interval:", parseIntervalSpec},
	{"every:", parseIntervalSpec},
	{"daily:", func(rest string) (ParsedSpec, error) {
		h, m, err := parseHHMM(rest)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecCron, Cron: fmt.Sprintf("%d %d * * *", m, h), Source: "daily"}, nil
	}},
}

// ParseSchedule classifies raw without compiling cron expressions.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}

	low := strings.ToLower(s)
	for _, p := range prefixParsers {
		if strings.HasPrefix(low, p.prefix) {
			return p.parse(strings.TrimSpace(s[len(p.prefix):]))
		}
	}

	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t\r\n") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	if ps, err := parseIntervalSpec(s); err == nil || errors.Is(err, errIntervalNotPositive) {
		return ps, err
	}
	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', daily:HH:MM or a duration like '55m')",
		raw,
	)
}

func parseIntervalSpec(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, errors.New("interval required")
	}
	src := "duration"
	var (
		d   time.Duration
		err error
	)
	if h, m, ok := splitHHMM(v); ok {
		src = "hhmm"
		if m > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	} else if d, err = time.ParseDuration(v); err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '55m')", v)
	}
	if d <= 0 {
		return ParsedSpec{}, errIntervalNotPositive
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

// splitHHMM accepts 1-3 hour digits and exactly 2 minute digits.
func splitHHMM(s string) (h, m int, ok bool) {
	hs, ms, found := strings.Cut(s, ":")
	if !found || len(hs) < 1 || len(hs) > 3 || len(ms) != 2 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || hs[0] == '+' || hs[0] == '-' {
		return 0, 0, false
	}
	m, err = strconv.Atoi(ms)
	if err != nil || m < 0 || ms[0] == '+' || ms[0] == '-' {
		return 0, 0, false
	}
	return h, m, true
}

// parseHHMM parses a wall-clock time of day.
func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	hs, ms, found := strings.Cut(s, ":")
	if !found {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	if hour, err = strconv.Atoi(hs); err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	if minute, err = strconv.Atoi(ms); err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Compile parses raw and returns a schedule evaluated in loc (time.Local when nil).
func Compile(raw string, loc *time.Location) (cron.Schedule, ParsedSpec, error) {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return nil, ParsedSpec{}, err
	}
	if loc == nil {
		loc = time.Local
	}
	if ps.Kind == SpecInterval {
		if ps.Every < time.Second {
			return nil, ps, fmt.Errorf("interval must be at least 1s, got %s", ps.Every)
		}
		return cron.Every(ps.Every), ps, nil
	}
	sched, err := cronParser.Parse(ps.Cron)
	if err != nil {
		return nil, ps, fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
	}
	return inLocation{base: sched, loc: loc}, ps, nil
}

// inLocation evaluates wall-clock fields of a cron schedule in loc.
type inLocation struct {
	base cron.Schedule
	loc  *time.Location
}

func (s inLocation) Next(t time.Time) time.Time { return s.base.Next(t.In(s.loc)) }
