package scheduler

import (
	"time"

	"scriptflow/core/models"
	"scriptflow/pkg/apperr"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field cron expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// NextFire computes the next fire time for a recurring trigger strictly
// after now. It is a pure function of its arguments; tests pass a fixed
// now instead of mocking the clock.
func NextFire(trigger models.Trigger, now time.Time) (time.Time, error) {
	switch trigger.Kind {
	case models.TriggerKindCron:
		sched, err := cronParser.Parse(trigger.CronExpr)
		if err != nil {
			return time.Time{}, apperr.Validation("invalid cron expression %q: %v", trigger.CronExpr, err)
		}
		return sched.Next(now), nil
	case models.TriggerKindInterval:
		if trigger.Interval <= 0 {
			return time.Time{}, apperr.Validation("interval trigger must have a positive interval")
		}
		return now.Add(trigger.Interval), nil
	case models.TriggerKindManual:
		return time.Time{}, apperr.Validation("manual triggers have no fire schedule")
	default:
		return time.Time{}, apperr.Validation("unknown trigger kind %q", trigger.Kind)
	}
}

// ValidateTrigger rejects malformed trigger configuration before it
// reaches the event store.
func ValidateTrigger(trigger models.Trigger) error {
	switch trigger.Kind {
	case models.TriggerKindCron:
		if _, err := cronParser.Parse(trigger.CronExpr); err != nil {
			return apperr.Validation("invalid cron expression %q: %v", trigger.CronExpr, err)
		}
	case models.TriggerKindInterval:
		if trigger.Interval <= 0 {
			return apperr.Validation("interval trigger must have a positive interval")
		}
	case models.TriggerKindManual:
		// Nothing to validate.
	default:
		return apperr.Validation("unknown trigger kind %q", trigger.Kind)
	}
	return nil
}
