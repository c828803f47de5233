package automation

import (
	"time"

	"github.com/portal28/academy/internal/domain"
)

// firstActiveStep returns the active step with the lowest step_order.
func firstActiveStep(steps []domain.AutomationStep) *domain.AutomationStep {
	var first *domain.AutomationStep
	for i := range steps {
		s := &steps[i]
		if s.Status != domain.StepActive {
			continue
		}
		if first == nil || s.StepOrder < first.StepOrder {
			first = s
		}
	}
	return first
}

// stepAtOrAfter resolves the step to send for current. An archived or missing
// step at current is skipped in favour of the next active one.
func stepAtOrAfter(steps []domain.AutomationStep, current int) *domain.AutomationStep {
	return nextActive(steps, current, true)
}

// stepAfter returns the next active step with step_order > current.
func stepAfter(steps []domain.AutomationStep, current int) *domain.AutomationStep {
	return nextActive(steps, current, false)
}

func nextActive(steps []domain.AutomationStep, current int, inclusive bool) *domain.AutomationStep {
	var best *domain.AutomationStep
	for i := range steps {
		s := &steps[i]
		if s.Status != domain.StepActive {
			continue
		}
		if s.StepOrder < current || (!inclusive && s.StepOrder == current) {
			continue
		}
		if best == nil || s.StepOrder < best.StepOrder {
			best = s
		}
	}
	return best
}

// advanceAfter computes the enrollment state once sent has been delivered at
// sentAt.
func advanceAfter(steps []domain.AutomationStep, sent *domain.AutomationStep, sentAt time.Time) (Advance, error) {
	next := stepAfter(steps, sent.StepOrder)
	if next == nil {
		return Advance{CurrentStep: sent.StepOrder + 1, Completed: true, At: sentAt}, nil
	}
	delay, err := next.Delay()
	if err != nil {
		return Advance{}, err
	}
	due := sentAt.Add(delay)
	return Advance{CurrentStep: next.StepOrder, NextStepAt: &due, At: sentAt}, nil
}
