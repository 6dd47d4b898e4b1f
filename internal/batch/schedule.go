package batch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// jobSchedule is the subset of cron this scheduler understands: every-N
// minutes ("*/15 * * * *"), every-N hours ("0 */4 * * *"), and a fixed
// daily time ("30 2 * * *").
type jobSchedule struct {
	every time.Duration
	hour  int
	min   int
}

func parseSchedule(expr string) (jobSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return jobSchedule{}, fmt.Errorf("schedule %q is not a five-field cron expression", expr)
	}

	minField, hourField := fields[0], fields[1]

	if n, ok := everyN(minField); ok && hourField == "*" {
		return jobSchedule{every: time.Duration(n) * time.Minute}, nil
	}
	if n, ok := everyN(hourField); ok && minField == "0" {
		return jobSchedule{every: time.Duration(n) * time.Hour}, nil
	}

	min, errMin := strconv.Atoi(minField)
	hour, errHour := strconv.Atoi(hourField)
	if errMin != nil || errHour != nil || min < 0 || min > 59 || hour < 0 || hour > 23 {
		return jobSchedule{}, fmt.Errorf("unsupported schedule %q", expr)
	}

	return jobSchedule{hour: hour, min: min}, nil
}

func everyN(field string) (int, bool) {
	if !strings.HasPrefix(field, "*/") {
		return 0, false
	}
	n, err := strconv.Atoi(field[2:])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// due reports whether a job with this schedule should run now, given
// when it last ran. A zero last run means it has never run.
func (js jobSchedule) due(now, last time.Time) bool {
	if js.every > 0 {
		return now.Sub(last) >= js.every
	}

	if now.Hour() != js.hour || now.Minute() != js.min {
		return false
	}
	// The ticker fires once per minute, so a run earlier today means done
	return last.Year() != now.Year() || last.YearDay() != now.YearDay()
}

// next returns the earliest time after now the schedule comes due
func (js jobSchedule) next(now, last time.Time) time.Time {
	if js.every > 0 {
		next := last.Add(js.every)
		if next.Before(now) {
			return now
		}
		return next
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), js.hour, js.min, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
