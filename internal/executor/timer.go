package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

var timerUnits = map[string]time.Duration{
	"milliseconds": time.Millisecond,
	"seconds":      time.Second,
	"minutes":      time.Minute,
	"hours":        time.Hour,
	"days":         24 * time.Hour,
}

// TimerDuration converts a timer step config {duration, unit} to a
// time.Duration. The unit defaults to seconds.
func TimerDuration(cfg map[string]any) (time.Duration, error) {
	n, ok := floatValue(cfg, "duration")
	if !ok {
		if _, present := cfg["duration"]; present {
			return 0, fmt.Errorf("timer duration %v is not a number", cfg["duration"])
		}
		n = 0
	}
	if n < 0 {
		return 0, fmt.Errorf("timer duration must not be negative")
	}
	unit := strings.ToLower(stringValue(cfg, "unit"))
	if unit == "" {
		unit = "seconds"
	}
	scale, ok := timerUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown timer unit %q", unit)
	}
	return time.Duration(n * float64(scale)), nil
}

// runTimer never sleeps. On first entry it returns a TimerPendingError with
// the wake time; once the instance carries a WakeAt that has passed, the
// step completes.
func (e *Executor) runTimer(inst *api.WorkflowInstance, step api.StepDefinition) (map[string]any, error) {
	now := e.now()

	if inst.WakeAt != nil {
		if now.Before(*inst.WakeAt) {
			return nil, &api.TimerPendingError{StepID: step.ID, WakeAt: *inst.WakeAt}
		}
		return map[string]any{"timerFiredAt": now.UTC().Format(time.RFC3339Nano)}, nil
	}

	d, err := TimerDuration(step.Config)
	if err != nil {
		return nil, err
	}
	if d <= 0 {
		return map[string]any{"timerFiredAt": now.UTC().Format(time.RFC3339Nano)}, nil
	}
	return nil, &api.TimerPendingError{StepID: step.ID, WakeAt: now.Add(d)}
}
