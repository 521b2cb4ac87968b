// Package partition computes the daily and monthly partition keys of a
// dataset and the datastore paths they are written to.
package partition

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	DailyLayout   = "2006-01-02"
	MonthlyLayout = "2006-01-02"
)

var ErrInvalidKey = errors.New("invalid partition key")

// Daily describes a daily partitioned dataset starting at Start. The last
// partition is the current UTC day, which may still be receiving data.
type Daily struct {
	Start time.Time
}

func NewDaily(startDate string) (Daily, error) {
	start, err := time.Parse(DailyLayout, strings.TrimSpace(startDate))
	if err != nil {
		return Daily{}, fmt.Errorf("start date %q: %w", startDate, err)
	}
	return Daily{Start: start}, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Keys lists every partition key from Start through the day containing now.
func (d Daily) Keys(now time.Time) []string {
	start := truncateDay(d.Start)
	end := truncateDay(now)
	if end.Before(start) {
		return nil
	}
	keys := make([]string, 0, int(end.Sub(start).Hours()/24)+1)
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		keys = append(keys, day.Format(DailyLayout))
	}
	return keys
}

// Contains reports whether key is one of Keys(now) without listing them.
func (d Daily) Contains(key string, now time.Time) bool {
	day, err := ParseDaily(key)
	if err != nil {
		return false
	}
	return !day.Before(truncateDay(d.Start)) && !day.After(truncateDay(now))
}

func ParseDaily(key string) (time.Time, error) {
	day, err := time.Parse(DailyLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q", ErrInvalidKey, key)
	}
	return day, nil
}

func DailyKey(t time.Time) string {
	return t.UTC().Format(DailyLayout)
}

// Window is the half-open [From, To) time range covered by a daily key.
func Window(key string) (from, to time.Time, err error) {
	from, err = ParseDaily(key)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, from.AddDate(0, 0, 1), nil
}

// MonthlyKeys lists the first day of every month from start through now.
func MonthlyKeys(start, now time.Time) []string {
	start = start.UTC()
	now = now.UTC()
	month := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	var keys []string
	for ; !month.After(last); month = month.AddDate(0, 1, 0) {
		keys = append(keys, month.Format(MonthlyLayout))
	}
	return keys
}

// DailyPath is <safe_slug>/daily/YYYY/MM/YYYY-MM-DD.csv.
func DailyPath(safeSlug, key string) (string, error) {
	day, err := ParseDaily(key)
	if err != nil {
		return "", err
	}
	return path.Join(safeSlug, "daily", day.Format("2006"), day.Format("01"), key+".csv"), nil
}

// MonthlyPath is <safe_slug>/<slug>_YYYY-MM.nc.
func MonthlyPath(safeSlug, slug, key string) (string, error) {
	month, err := time.Parse(MonthlyLayout, key)
	if err != nil || month.Day() != 1 {
		return "", fmt.Errorf("%w %q", ErrInvalidKey, key)
	}
	return path.Join(safeSlug, fmt.Sprintf("%s_%s.nc", slug, month.Format("2006-01"))), nil
}
