package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/portal28/academy/internal/domain"
	"github.com/portal28/academy/internal/notify"
	"github.com/portal28/academy/internal/pkg/logger"
	"github.com/portal28/academy/internal/segmentation"
)

// SegmentAutomationSource lists the automations wired to a segment event.
type SegmentAutomationSource interface {
	ListSegmentAutomations(ctx context.Context, segmentID string, event domain.TriggerEvent) ([]domain.SegmentAutomation, error)
}

// Enroller is the part of Manager the bridge needs.
type Enroller interface {
	Enroll(ctx context.Context, in EnrollInput) (*EnrollResult, error)
}

// EmailConfig is the automation_config of an email segment automation.
type EmailConfig struct {
	AutomationID string `json:"automation_id"`
}

// Bridge turns segment transitions into enrollments and external
// notifications. It implements segmentation.TransitionHandler.
type Bridge struct {
	source    SegmentAutomationSource
	enroller  Enroller
	notifiers map[domain.AutomationType]notify.Notifier
	log       *logger.Logger
}

var _ segmentation.TransitionHandler = (*Bridge)(nil)

// NewBridge creates a bridge. notifiers maps webhook and meta_audience to
// their senders; a type without a notifier is reported as an error.
func NewBridge(source SegmentAutomationSource, enroller Enroller, notifiers map[domain.AutomationType]notify.Notifier) *Bridge {
	if notifiers == nil {
		notifiers = map[domain.AutomationType]notify.Notifier{}
	}
	return &Bridge{
		source:    source,
		enroller:  enroller,
		notifiers: notifiers,
		log:       logger.With("component", "segment_bridge"),
	}
}

// OnTransition runs every active automation wired to the transition's segment
// and event. All automations are attempted; their errors are joined.
func (b *Bridge) OnTransition(ctx context.Context, t segmentation.Transition) error {
	rows, err := b.source.ListSegmentAutomations(ctx, t.SegmentID, t.Event)
	if err != nil {
		return fmt.Errorf("list segment automations: %w", err)
	}

	var errs []error
	for _, sa := range rows {
		if !sa.IsActive {
			continue
		}
		if err := b.dispatch(ctx, sa, t); err != nil {
			b.log.Error("segment automation failed",
				"segment_automation_id", sa.ID, "type", sa.AutomationType,
				"segment_id", t.SegmentID, "event", t.Event, "email", t.Email, "err", err)
			errs = append(errs, fmt.Errorf("segment automation %s: %w", sa.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bridge) dispatch(ctx context.Context, sa domain.SegmentAutomation, t segmentation.Transition) error {
	switch sa.AutomationType {
	case domain.AutomationEmail:
		var cfg EmailConfig
		if err := json.Unmarshal(sa.Config, &cfg); err != nil || cfg.AutomationID == "" {
			return fmt.Errorf("%w: email automation_config needs automation_id", domain.ErrValidation)
		}
		res, err := b.enroller.Enroll(ctx, EnrollInput{
			AutomationID: cfg.AutomationID,
			Email:        t.Email,
			PersonID:     t.PersonID,
			TriggerContext: map[string]any{
				"segment_id":    t.SegmentID,
				"membership_id": t.MembershipID,
				"trigger_event": string(t.Event),
			},
		})
		if err != nil {
			return err
		}
		b.log.Info("segment transition enrolled", "automation_id", cfg.AutomationID,
			"enrollment_id", res.EnrollmentID, "created", res.Created, "segment_id", t.SegmentID)
		return nil

	case domain.AutomationWebhook, domain.AutomationMetaAudience:
		n, ok := b.notifiers[sa.AutomationType]
		if !ok {
			return fmt.Errorf("%w: no notifier configured for %s", domain.ErrValidation, sa.AutomationType)
		}
		return n.Notify(ctx, sa.Config, notify.Event{
			Event:        string(t.Event),
			SegmentID:    t.SegmentID,
			MembershipID: t.MembershipID,
			PersonID:     t.PersonID,
			Email:        t.Email,
			OccurredAt:   t.At,
		})
	}
	return fmt.Errorf("%w: unknown automation type %q", domain.ErrValidation, sa.AutomationType)
}
