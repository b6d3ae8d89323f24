package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidISODuration = errors.New("invalid ISO-8601 duration")

// ParseCron parses standard 5 field cron expression (or a @descriptor) and
// returns the interval between two consecutive activations.
func ParseCron(expr string) (time.Duration, error) {
	if strings.TrimSpace(expr) == "" {
		return 0, errors.New("empty cron expression")
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return 0, err
	}
	ref := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	first := sched.Next(ref)
	return sched.Next(first).Sub(first), nil
}

type isoComponent struct {
	neg  bool
	sign bool
	num  int64
	frac string
	unit byte
}

// ParseISODuration parses the subset of ISO-8601 durations made of days,
// hours, minutes and (fractional) seconds. Years, months and weeks are not
// supported as they do not have a fixed length.
func ParseISODuration(s string) (time.Duration, error) {
	invalid := fmt.Errorf("%w: %q", ErrInvalidISODuration, s)

	rest := s
	var neg, signed bool
	if rest != "" && (rest[0] == '-' || rest[0] == '+') {
		neg = rest[0] == '-'
		signed = true
		rest = rest[1:]
	}
	if !strings.HasPrefix(rest, "P") {
		return 0, invalid
	}
	rest = rest[1:]
	if rest == "" {
		return 0, invalid
	}

	datePart, timePart, hasT := strings.Cut(rest, "T")
	if hasT && timePart == "" {
		return 0, invalid
	}

	dates, ok := isoComponents(datePart)
	if !ok {
		return 0, invalid
	}
	times, ok := isoComponents(timePart)
	if !ok {
		return 0, invalid
	}

	var total time.Duration
	var sawHour bool
	for _, c := range dates {
		if signed && c.sign {
			return 0, invalid
		}
		if c.frac != "" {
			return 0, invalid
		}
		var unit time.Duration
		switch c.unit {
		case 'D':
			unit = 24 * time.Hour
		case 'H':
			unit = time.Hour
			sawHour = true
		case 'M':
			// months are not supported, minutes are accepted after hours
			if !sawHour {
				return 0, invalid
			}
			unit = time.Minute
		default:
			return 0, invalid
		}
		total += signedDuration(c.neg, time.Duration(c.num)*unit)
	}

	order := "HMS"
	last := -1
	for _, c := range times {
		if signed && c.sign {
			return 0, invalid
		}
		pos := strings.IndexByte(order, c.unit)
		if pos <= last {
			return 0, invalid
		}
		last = pos
		var d time.Duration
		switch c.unit {
		case 'H':
			d = time.Duration(c.num) * time.Hour
		case 'M':
			d = time.Duration(c.num) * time.Minute
		case 'S':
			d = time.Duration(c.num) * time.Second
			if c.frac != "" {
				frac := c.frac + strings.Repeat("0", 9-len(c.frac))
				var ns int64
				for _, r := range frac {
					ns = ns*10 + int64(r-'0')
				}
				d += time.Duration(ns)
			}
		}
		if c.frac != "" && c.unit != 'S' {
			return 0, invalid
		}
		total += signedDuration(c.neg, d)
	}

	if neg {
		total = -total
	}
	return total, nil
}

func signedDuration(neg bool, d time.Duration) time.Duration {
	if neg {
		return -d
	}
	return d
}

func isoComponents(s string) ([]isoComponent, bool) {
	var ret []isoComponent
	for s != "" {
		var c isoComponent
		if s[0] == '-' || s[0] == '+' {
			c.sign = true
			c.neg = s[0] == '-'
			s = s[1:]
		}
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			c.num = c.num*10 + int64(s[i]-'0')
			i++
		}
		if i == 0 {
			return nil, false
		}
		s = s[i:]
		if s != "" && (s[0] == '.' || s[0] == ',') {
			s = s[1:]
			j := 0
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			if j == 0 || j > 9 {
				return nil, false
			}
			c.frac = s[:j]
			s = s[j:]
		}
		if s == "" {
			return nil, false
		}
		c.unit = s[0]
		s = s[1:]
		if !strings.ContainsRune("DHMS", rune(c.unit)) {
			return nil, false
		}
		ret = append(ret, c)
	}
	return ret, true
}
