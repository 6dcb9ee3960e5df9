package router

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	lastNRe   = regexp.MustCompile(`(?i)\b(?:last|past|previous)\s+(\d+)\s+(hour|day|week|month|year)s?\b`)
	agoRe     = regexp.MustCompile(`(?i)\b(\d+)\s+(hour|day|week|month|year)s?\s+ago\b`)
	relUnitRe = regexp.MustCompile(`(?i)\b(this|last|past)\s+(week|month|year)\b`)
	boundRe   = regexp.MustCompile(`(?i)\b(since|after|before|until)\s+(\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2})?(?:Z|[+\-]\d{2}:\d{2})?)?)\b`)
	inYearRe  = regexp.MustCompile(`(?i)\b(?:in|during)\s+((?:19|20)\d{2})\b`)
	dayRe     = regexp.MustCompile(`(?i)\b(today|yesterday)\b`)
	recentRe  = regexp.MustCompile(`(?i)\b(recent|recently|lately|latest)\b`)
)

// recentWindow is how far back "recent" reaches.
const recentWindow = 7 * 24 * time.Hour

// parseTimeRange extracts the first time phrase of each family from text,
// intersecting them into one range. Matched phrases are removed from the
// returned text so they don't pollute keyword terms.
func parseTimeRange(text string, now time.Time) (*TimeRange, string) {
	var tr TimeRange
	found := false

	apply := func(from, to time.Time) {
		if !from.IsZero() && (tr.From.IsZero() || from.After(tr.From)) {
			tr.From = from
		}
		if !to.IsZero() && (tr.To.IsZero() || to.Before(tr.To)) {
			tr.To = to
		}
		found = true
	}

	if m := lastNRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		apply(shift(now, strings.ToLower(m[2]), -n), now)
		text = lastNRe.ReplaceAllString(text, " ")
	}
	if m := agoRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := strings.ToLower(m[2])
		if unit == "day" {
			day := startOfDay(now).AddDate(0, 0, -n)
			apply(day, day.AddDate(0, 0, 1))
		} else {
			apply(shift(now, unit, -n), shift(now, unit, -n+1))
		}
		text = agoRe.ReplaceAllString(text, " ")
	}
	if m := relUnitRe.FindStringSubmatch(text); m != nil {
		unit := strings.ToLower(m[2])
		if strings.EqualFold(m[1], "this") {
			apply(startOf(now, unit), now)
		} else {
			apply(shift(now, unit, -1), now)
		}
		text = relUnitRe.ReplaceAllString(text, " ")
	}
	for _, m := range boundRe.FindAllStringSubmatch(text, -1) {
		t, ok := parseDate(m[2], now.Location())
		if !ok {
			continue
		}
		switch strings.ToLower(m[1]) {
		case "since", "after":
			apply(t, time.Time{})
		default:
			apply(time.Time{}, t)
		}
	}
	text = boundRe.ReplaceAllString(text, " ")
	if m := inYearRe.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[1])
		start := time.Date(y, time.January, 1, 0, 0, 0, 0, now.Location())
		apply(start, start.AddDate(1, 0, 0))
		text = inYearRe.ReplaceAllString(text, " ")
	}
	if m := dayRe.FindStringSubmatch(text); m != nil {
		today := startOfDay(now)
		if strings.EqualFold(m[1], "today") {
			apply(today, time.Time{})
		} else {
			apply(today.AddDate(0, 0, -1), today)
		}
		text = dayRe.ReplaceAllString(text, " ")
	}
	if recentRe.MatchString(text) {
		apply(now.Add(-recentWindow), time.Time{})
		text = recentRe.ReplaceAllString(text, " ")
	}

	if !found {
		return nil, text
	}
	return &tr, text
}

func shift(t time.Time, unit string, n int) time.Time {
	switch unit {
	case "hour":
		return t.Add(time.Duration(n) * time.Hour)
	case "day":
		return t.AddDate(0, 0, n)
	case "week":
		return t.AddDate(0, 0, 7*n)
	case "month":
		return t.AddDate(0, n, 0)
	default:
		return t.AddDate(n, 0, 0)
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startOf returns the start of the calendar week (Monday), month or year.
func startOf(t time.Time, unit string) time.Time {
	day := startOfDay(t)
	switch unit {
	case "week":
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case "month":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	default:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location())
	}
}

func parseDate(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
