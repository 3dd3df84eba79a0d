package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger decides when the next generation starts.
type Trigger interface {
	Next(after time.Time) time.Time
}

// IntervalTrigger fires a fixed period after the previous tick.
type IntervalTrigger time.Duration

func (t IntervalTrigger) Next(after time.Time) time.Time {
	return after.Add(time.Duration(t))
}

// CronTrigger fires on a standard five field cron expression.
type CronTrigger struct {
	schedule cron.Schedule
	spec     string
}

func NewCronTrigger(spec string) (*CronTrigger, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron schedule %q: %w", spec, err)
	}
	return &CronTrigger{schedule: schedule, spec: spec}, nil
}

func (t *CronTrigger) Next(after time.Time) time.Time {
	return t.schedule.Next(after)
}

func (t *CronTrigger) String() string {
	return t.spec
}

// NewTrigger prefers the cron expression when both are set.
func NewTrigger(interval time.Duration, spec string) (Trigger, error) {
	if spec != "" {
		return NewCronTrigger(spec)
	}
	if interval <= 0 {
		return nil, errors.New("schedule needs a positive interval or a cron expression")
	}
	return IntervalTrigger(interval), nil
}
