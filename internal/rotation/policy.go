// Package rotation decides when an output file is closed and a new one
// opened, and owns the file lifecycle while recording.
package rotation

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidPolicy is returned for a malformed rotation setting.
	ErrInvalidPolicy = errors.New("invalid rotation policy")
	// ErrFileSystem is returned when an output file cannot be created,
	// written or finalized. Recording cannot continue after it.
	ErrFileSystem = errors.New("output file system failure")
)

// Unit is the time unit of a time-based rotation.
type Unit int

const (
	UnitNone Unit = iota
	UnitSecond
	UnitMinute
	UnitHour
	UnitDay
	UnitMidnight
	UnitWeekday
)

// When is a parsed --rotate-when value.
type When struct {
	Unit Unit
	// Weekday is used with UnitWeekday.
	Weekday time.Weekday
}

// ParseWhen parses S, M, H, D, midnight or W0..W6 (Monday=0), case
// insensitively. The empty string disables time-based rotation.
func ParseWhen(s string) (When, error) {
	switch u := strings.ToUpper(strings.TrimSpace(s)); u {
	case "":
		return When{}, nil
	case "S":
		return When{Unit: UnitSecond}, nil
	case "M":
		return When{Unit: UnitMinute}, nil
	case "H":
		return When{Unit: UnitHour}, nil
	case "D":
		return When{Unit: UnitDay}, nil
	case "MIDNIGHT":
		return When{Unit: UnitMidnight}, nil
	default:
		if len(u) == 2 && u[0] == 'W' && u[1] >= '0' && u[1] <= '6' {
			// Monday=0 maps onto time.Weekday's Sunday=0.
			day := time.Weekday((int(u[1]-'0') + 1) % 7)
			return When{Unit: UnitWeekday, Weekday: day}, nil
		}
		return When{}, fmt.Errorf("%w: rotate-when %q (want S, M, H, D, midnight or W0-W6)", ErrInvalidPolicy, s)
	}
}

func (w When) String() string {
	switch w.Unit {
	case UnitSecond:
		return "S"
	case UnitMinute:
		return "M"
	case UnitHour:
		return "H"
	case UnitDay:
		return "D"
	case UnitMidnight:
		return "midnight"
	case UnitWeekday:
		return fmt.Sprintf("W%d", (int(w.Weekday)+6)%7)
	default:
		return ""
	}
}

var sizePattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([KMGT]?B?)$`)

// ParseSize parses a byte size such as "1GB", "500MB", "100KB" or "4096".
// Units are powers of 1024. The empty string means no size limit.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: size %q (use formats like 1GB, 500MB, 100KB)", ErrInvalidPolicy, s)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: size %q: %v", ErrInvalidPolicy, s, err)
	}

	mult := int64(1)
	switch strings.TrimSuffix(m[2], "B") {
	case "K":
		mult = 1 << 10
	case "M":
		mult = 1 << 20
	case "G":
		mult = 1 << 30
	case "T":
		mult = 1 << 40
	}
	n := int64(v * float64(mult))
	if n <= 0 {
		return 0, fmt.Errorf("%w: size %q must be positive", ErrInvalidPolicy, s)
	}
	return n, nil
}

// Policy combines time-based and size-based rotation. Signal-triggered
// rotation is always available through Writer.RequestRotation.
type Policy struct {
	When     When
	Interval int
	MaxBytes int64
}

// Validate checks the policy's fields.
func (p Policy) Validate() error {
	if p.When.Unit != UnitNone && p.Interval < 1 {
		return fmt.Errorf("%w: rotate-interval must be at least 1, got %d", ErrInvalidPolicy, p.Interval)
	}
	if p.MaxBytes < 0 {
		return fmt.Errorf("%w: rotate-size must not be negative", ErrInvalidPolicy)
	}
	return nil
}

// Enabled reports whether any automatic rotation is configured.
func (p Policy) Enabled() bool {
	return p.When.Unit != UnitNone || p.MaxBytes > 0
}

// NextRollover returns the instant at which a file opened at openedAt is due
// for rotation, or the zero time when time-based rotation is off. Midnight
// and weekday rotations fall on local midnight.
func (p Policy) NextRollover(openedAt time.Time) time.Time {
	n := p.Interval
	if n < 1 {
		n = 1
	}
	switch p.When.Unit {
	case UnitSecond:
		return openedAt.Add(time.Duration(n) * time.Second)
	case UnitMinute:
		return openedAt.Add(time.Duration(n) * time.Minute)
	case UnitHour:
		return openedAt.Add(time.Duration(n) * time.Hour)
	case UnitDay:
		return openedAt.Add(time.Duration(n) * 24 * time.Hour)
	case UnitMidnight:
		return midnight(openedAt).AddDate(0, 0, n)
	case UnitWeekday:
		days := (int(p.When.Weekday) - int(openedAt.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return midnight(openedAt).AddDate(0, 0, days+7*(n-1))
	default:
		return time.Time{}
	}
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
