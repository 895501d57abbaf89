package domain

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strings"
)

// StepStatus is one cell of the race_status ledger. The zero value maps to
// SQL NULL, meaning the stage has never looked at the race.
type StepStatus string

const (
	StatusNone       StepStatus = ""
	StatusPending    StepStatus = "pending"
	StatusProcessing StepStatus = "processing"
	StatusCompleted  StepStatus = "completed"
	StatusError      StepStatus = "error"
)

// CanTransition reports whether the ledger may move from s to next.
// Dispatching a worker moves any non-processing state to processing; a
// worker outcome moves processing to completed, pending or error.
func (s StepStatus) CanTransition(next StepStatus) bool {
	switch next {
	case StatusProcessing:
		return s != StatusProcessing
	case StatusCompleted, StatusPending, StatusError:
		return s == StatusProcessing
	default:
		return false
	}
}

// Value implements driver.Valuer so the zero value lands as NULL.
func (s StepStatus) Value() (driver.Value, error) {
	if s == StatusNone {
		return nil, nil
	}
	return string(s), nil
}

// Scan implements sql.Scanner, mapping NULL back to StatusNone.
func (s *StepStatus) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = StatusNone
	case string:
		*s = StepStatus(v)
	case []byte:
		*s = StepStatus(v)
	default:
		return fmt.Errorf("cannot scan %T into StepStatus", src)
	}
	return nil
}

// Step identifies one pipeline stage.
type Step int

const (
	Step1 Step = iota + 1
	Step2
	Step3
	Step4
	Step5
)

// AllSteps lists the stages in execution order.
var AllSteps = []Step{Step1, Step2, Step3, Step4, Step5}

// Critical reports whether a failure of this stage aborts the remaining
// stages of the window.
func (s Step) Critical() bool {
	switch s {
	case Step1, Step2, Step5:
		return true
	}
	return false
}

// Valid reports whether s names an existing stage.
func (s Step) Valid() bool { return s >= Step1 && s <= Step5 }

// Column returns the race_status column owned by the stage.
func (s Step) Column() string { return fmt.Sprintf("step%d_status", int(s)) }

func (s Step) String() string { return fmt.Sprintf("step%d", int(s)) }

// ParseStep accepts both the bare ordinal ("3") and the prefixed spelling
// ("step3", case-insensitive).
func ParseStep(raw string) (Step, error) {
	t := strings.ToLower(strings.TrimSpace(raw))
	t = strings.TrimPrefix(t, "step")
	if len(t) == 1 && t[0] >= '1' && t[0] <= '5' {
		return Step(t[0] - '0'), nil
	}
	return 0, fmt.Errorf("invalid step %q", raw)
}

// NormalizeSteps dedups and orders a step list ascending, rejecting
// out-of-range values.
func NormalizeSteps(steps []Step) ([]Step, error) {
	seen := make(map[Step]bool, len(steps))
	out := make([]Step, 0, len(steps))
	for _, s := range steps {
		if !s.Valid() {
			return nil, fmt.Errorf("invalid step %d", int(s))
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
