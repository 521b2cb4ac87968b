package sensor

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrPatternMismatch is returned when a file name does not match a Pattern
// or does not carry a valid date.
var ErrPatternMismatch = errors.New("file name does not match pattern")

const dateTokenOpen = "{partition_date:"

// Pattern is a file-name glob with one {partition_date:<strftime>} token,
// e.g. SFW01_WB_02_wave_{partition_date:%Y%m%d}_*. The date directives
// %Y %m %d %y %j and %% are supported; * and ? are glob wildcards.
type Pattern struct {
	raw    string
	before string
	after  string
	format []formatPart
	re     *regexp.Regexp
	groups []byte
}

// formatPart is either a directive (verb != 0) or literal text.
type formatPart struct {
	verb    byte
	literal string
}

var directiveWidth = map[byte]int{'Y': 4, 'm': 2, 'd': 2, 'y': 2, 'j': 3}

func ParsePattern(raw string) (*Pattern, error) {
	open := strings.Index(raw, dateTokenOpen)
	if open < 0 {
		return nil, fmt.Errorf("pattern %q has no %s...} token", raw, dateTokenOpen)
	}
	rest := raw[open+len(dateTokenOpen):]
	closeIdx := strings.Index(rest, "}")
	if closeIdx < 0 {
		return nil, fmt.Errorf("pattern %q has an unterminated date token", raw)
	}
	p := &Pattern{
		raw:    raw,
		before: raw[:open],
		after:  rest[closeIdx+1:],
	}
	if strings.Contains(p.after, dateTokenOpen) {
		return nil, fmt.Errorf("pattern %q has more than one date token", raw)
	}
	format, err := parseFormat(rest[:closeIdx])
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", raw, err)
	}
	p.format = format

	var expr strings.Builder
	expr.WriteString("^")
	expr.WriteString(globToRegexp(p.before))
	seen := map[byte]bool{}
	for _, part := range format {
		if part.verb == 0 {
			expr.WriteString(regexp.QuoteMeta(part.literal))
			continue
		}
		fmt.Fprintf(&expr, `(\d{%d})`, directiveWidth[part.verb])
		p.groups = append(p.groups, part.verb)
		seen[part.verb] = true
	}
	expr.WriteString(globToRegexp(p.after))
	expr.WriteString("$")

	if !seen['Y'] && !seen['y'] {
		return nil, fmt.Errorf("pattern %q: date token needs %%Y or %%y", raw)
	}
	if !seen['j'] && !(seen['m'] && seen['d']) {
		return nil, fmt.Errorf("pattern %q: date token needs %%m and %%d, or %%j", raw)
	}
	re, err := regexp.Compile(expr.String())
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", raw, err)
	}
	p.re = re
	return p, nil
}

func parseFormat(format string) ([]formatPart, error) {
	var parts []formatPart
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			parts = append(parts, formatPart{literal: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			lit.WriteByte(c)
			continue
		}
		if i+1 >= len(format) {
			return nil, errors.New("dangling % in date format")
		}
		i++
		verb := format[i]
		if verb == '%' {
			lit.WriteByte('%')
			continue
		}
		if _, ok := directiveWidth[verb]; !ok {
			return nil, fmt.Errorf("unsupported date directive %%%c", verb)
		}
		flush()
		parts = append(parts, formatPart{verb: verb})
	}
	flush()
	if len(parts) == 0 {
		return nil, errors.New("empty date format")
	}
	return parts, nil
}

func globToRegexp(glob string) string {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(`[^/]*`)
		case '?':
			b.WriteString(`[^/]`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

func (p *Pattern) String() string { return p.raw }

// Parse extracts the partition date from a file name relative to the
// source prefix.
func (p *Pattern) Parse(name string) (time.Time, error) {
	m := p.re.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, fmt.Errorf("%q: %w", name, ErrPatternMismatch)
	}
	year, month, day, yday := -1, -1, -1, -1
	for i, verb := range p.groups {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return time.Time{}, fmt.Errorf("%q: %w", name, ErrPatternMismatch)
		}
		var slot *int
		switch verb {
		case 'Y':
			slot = &year
		case 'y':
			if n < 69 {
				n += 2000
			} else {
				n += 1900
			}
			slot = &year
		case 'm':
			slot = &month
		case 'd':
			slot = &day
		case 'j':
			slot = &yday
		}
		if *slot >= 0 && *slot != n {
			return time.Time{}, fmt.Errorf("%q: conflicting date fields: %w", name, ErrPatternMismatch)
		}
		*slot = n
	}

	var date time.Time
	if yday >= 0 {
		jan1 := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		date = jan1.AddDate(0, 0, yday-1)
		if yday < 1 || date.Year() != year {
			return time.Time{}, fmt.Errorf("%q: day of year %d: %w", name, yday, ErrPatternMismatch)
		}
		if (month >= 0 && int(date.Month()) != month) || (day >= 0 && date.Day() != day) {
			return time.Time{}, fmt.Errorf("%q: conflicting date fields: %w", name, ErrPatternMismatch)
		}
		return date, nil
	}
	date = time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if date.Year() != year || int(date.Month()) != month || date.Day() != day {
		return time.Time{}, fmt.Errorf("%q: invalid date: %w", name, ErrPatternMismatch)
	}
	return date, nil
}

// Glob formats the pattern for one day, leaving its wildcards in place.
func (p *Pattern) Glob(day time.Time) string {
	day = day.UTC()
	var b strings.Builder
	b.WriteString(p.before)
	for _, part := range p.format {
		switch part.verb {
		case 0:
			b.WriteString(part.literal)
		case 'Y':
			fmt.Fprintf(&b, "%04d", day.Year())
		case 'y':
			fmt.Fprintf(&b, "%02d", day.Year()%100)
		case 'm':
			fmt.Fprintf(&b, "%02d", int(day.Month()))
		case 'd':
			fmt.Fprintf(&b, "%02d", day.Day())
		case 'j':
			fmt.Fprintf(&b, "%03d", day.YearDay())
		}
	}
	b.WriteString(p.after)
	return b.String()
}
