package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Comparison selects how RetentionAge compares a file's age in days.
type Comparison int

// Comparisons mirror find(1) -mtime: +N, -N and N.
const (
	OlderThan Comparison = iota
	YoungerThan
	Exactly
)

// RetentionAge is a find(1) style -mtime argument.
type RetentionAge struct {
	Cmp  Comparison
	Days int
}

// ParseRetentionAge parses "+5", "-3" or "7".
func ParseRetentionAge(s string) (RetentionAge, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RetentionAge{}, fmt.Errorf("retention age is empty")
	}

	age := RetentionAge{Cmp: Exactly}
	switch s[0] {
	case '+':
		age.Cmp = OlderThan
		s = s[1:]
	case '-':
		age.Cmp = YoungerThan
		s = s[1:]
	}

	days, err := strconv.Atoi(s)
	if err != nil || days < 0 {
		return RetentionAge{}, fmt.Errorf("invalid retention age %q: want [+|-]days", s)
	}
	age.Days = days

	return age, nil
}

// Matches reports whether a file last modified at mtime is selected at now.
// Age is counted in whole days, rounding down, as find(1) does.
func (a RetentionAge) Matches(mtime, now time.Time) bool {
	days := int(now.Sub(mtime) / (24 * time.Hour))

	switch a.Cmp {
	case OlderThan:
		return days > a.Days
	case YoungerThan:
		return days < a.Days
	default:
		return days == a.Days
	}
}

func (a RetentionAge) String() string {
	switch a.Cmp {
	case OlderThan:
		return fmt.Sprintf("+%d", a.Days)
	case YoungerThan:
		return fmt.Sprintf("-%d", a.Days)
	default:
		return strconv.Itoa(a.Days)
	}
}
