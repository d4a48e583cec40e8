package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/netresearch/go-cron"
)

// cronParser accepts both the 5-field (minute..dayOfWeek) and 6-field
// (leading seconds) forms, plus descriptors such as @hourly. Step, range,
// list and the * / ? wildcards are all handled by the parser.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates and parses a cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidCron)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return sched, nil
}

// ValidateCron reports whether expr is an acceptable cron expression.
func ValidateCron(expr string) error {
	_, err := ParseCron(expr)
	return err
}

// NextRun computes the next activation of expr strictly after the given
// instant. The scheduler always passes the current time, never last_run_at,
// so a schedule that slept through several boundaries fires once and then
// realigns instead of flooding back-runs.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidCron, expr)
	}
	return next, nil
}
