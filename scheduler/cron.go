package scheduler

import (
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/drpcorg/tabula/tabula_errors"
)

// Schedule yields occurrence times of a recurrence rule.
type Schedule interface {
	Next(after time.Time) time.Time
}

// CronParser is the cron-parsing contract. Specs are validated at schedule
// creation, never at run time.
type CronParser interface {
	Parse(spec string) (Schedule, error)
}

// StandardCronParser accepts five-field cron specs plus the @every and
// @daily style descriptors.
type StandardCronParser struct{}

func (StandardCronParser) Parse(spec string) (Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.Wrapf(tabula_errors.ErrInvalidSpec, "%q: %s", spec, err)
	}
	return sched, nil
}
