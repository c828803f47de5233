package segmentation

import (
	"context"
	"fmt"
	"time"

	"github.com/portal28/academy/internal/domain"
	"github.com/portal28/academy/internal/pkg/clock"
	"github.com/portal28/academy/internal/pkg/logger"
)

// DefaultPageSize is how many feature rows are read per keyset page.
const DefaultPageSize = 500

// Engine is the segment evaluator. It matches every candidate person against
// a segment, opens and closes memberships to reflect the result, and reports
// each transition to the configured TransitionHandler.
type Engine struct {
	repo        Repository
	features    FeatureSource
	lookup      FeatureLookup
	predicates  PredicateRunner
	conditions  *ConditionEvaluator
	transitions TransitionHandler
	clock       clock.Clock
	pageSize    int
	log         *logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTransitionHandler sets the receiver of entered/exited transitions.
func WithTransitionHandler(h TransitionHandler) Option {
	return func(e *Engine) { e.transitions = h }
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithPageSize overrides DefaultPageSize.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithFeatureLookup sets where CheckPerson reads one person's features.
// Defaults to the FeatureSource when it implements FeatureLookup.
func WithFeatureLookup(l FeatureLookup) Option {
	return func(e *Engine) { e.lookup = l }
}

// NewEngine creates a segment evaluator. predicates may be nil if no SQL
// segments exist.
func NewEngine(repo Repository, features FeatureSource, predicates PredicateRunner, opts ...Option) *Engine {
	e := &Engine{
		repo:       repo,
		features:   features,
		predicates: predicates,
		conditions: NewConditionEvaluator(predicates),
		clock:      clock.Real{},
		pageSize:   DefaultPageSize,
		log:        logger.With("component", "segment_engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.lookup == nil {
		e.lookup, _ = features.(FeatureLookup)
	}
	return e
}

// CheckPerson evaluates one person against a segment without changing any
// membership.
func (e *Engine) CheckPerson(ctx context.Context, segmentID, personID string) (*MembershipCheck, error) {
	if e.lookup == nil {
		return nil, fmt.Errorf("%w: single-person checks are not configured", domain.ErrValidation)
	}
	seg, err := e.repo.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, fmt.Errorf("get segment %s: %w", segmentID, err)
	}
	if !seg.IsActive {
		return nil, fmt.Errorf("%w: segment %s is not active", domain.ErrValidation, seg.ID)
	}
	if err := ValidateConditions(seg.Conditions); err != nil {
		return nil, fmt.Errorf("segment %s: %w", seg.ID, err)
	}

	f, err := e.lookup.GetFeatures(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("get features %s: %w", personID, err)
	}
	matched, err := e.conditions.Matches(ctx, seg.Conditions, f)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", seg.ID, err)
	}
	active, err := e.repo.ActiveMemberships(ctx, seg.ID)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}
	m, isMember := active[personID]

	check := &MembershipCheck{
		SegmentID: seg.ID,
		PersonID:  personID,
		Matches:   matched,
		IsMember:  isMember,
	}
	if isMember {
		check.MembershipID = m.ID
		entered := m.EnteredAt
		check.EnteredAt = &entered
	}
	return check, nil
}

// Evaluate loads a segment by id and evaluates it.
func (e *Engine) Evaluate(ctx context.Context, segmentID string) (*EvaluationResult, error) {
	seg, err := e.repo.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, fmt.Errorf("get segment %s: %w", segmentID, err)
	}
	return e.EvaluateSegment(ctx, seg)
}

// EvaluateAll evaluates every active segment. A segment that fails is
// recorded in Failures and does not affect the others.
func (e *Engine) EvaluateAll(ctx context.Context) (*BatchResult, error) {
	segments, err := e.repo.ListActiveSegments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active segments: %w", err)
	}

	batch := &BatchResult{Results: make([]EvaluationResult, 0, len(segments))}
	for i := range segments {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		seg := &segments[i]
		res, err := e.EvaluateSegment(ctx, seg)
		if err != nil {
			e.log.Error("segment evaluation failed", "segment_id", seg.ID, "segment", seg.Name, "err", err)
			batch.Failures = append(batch.Failures, SegmentFailure{SegmentID: seg.ID, Name: seg.Name, Error: err.Error()})
			continue
		}
		batch.Results = append(batch.Results, *res)
	}
	return batch, nil
}

// EvaluateSegment runs one evaluation pass for seg.
func (e *Engine) EvaluateSegment(ctx context.Context, seg *domain.Segment) (*EvaluationResult, error) {
	start := time.Now()
	now := e.clock.Now()

	if !seg.IsActive {
		return nil, fmt.Errorf("%w: segment %s is not active", domain.ErrValidation, seg.ID)
	}
	if err := ValidateConditions(seg.Conditions); err != nil {
		return nil, fmt.Errorf("segment %s: %w", seg.ID, err)
	}

	var sqlMatches map[string]struct{}
	if seg.Conditions.Type == domain.ConditionSQL {
		if e.predicates == nil {
			return nil, fmt.Errorf("%w: segment %s uses sql conditions but no predicate runner is configured", domain.ErrValidation, seg.ID)
		}
		m, err := e.predicates.MatchingPersons(ctx, seg.Conditions.SQL)
		if err != nil {
			return nil, fmt.Errorf("segment %s predicate: %w", seg.ID, err)
		}
		sqlMatches = m
	}

	active, err := e.repo.ActiveMemberships(ctx, seg.ID)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}

	result := &EvaluationResult{
		SegmentID:   seg.ID,
		Entered:     []Transition{},
		Exited:      []Transition{},
		EvaluatedAt: now,
	}

	// Memberships are committed as each page is reconciled, so their
	// transitions are delivered before the next page is requested.
	var firedEntered, firedExited int
	flush := func() {
		e.fire(ctx, result.Entered[firedEntered:])
		e.fire(ctx, result.Exited[firedExited:])
		firedEntered, firedExited = len(result.Entered), len(result.Exited)
	}

	after := ""
	for {
		page, err := e.features.ListFeatures(ctx, after, e.pageSize)
		if err != nil {
			flush()
			return nil, fmt.Errorf("list features after %q: %w", after, err)
		}

		for _, failed := range page.Failed {
			result.Skipped++
			e.log.Warn("skipping person with unreadable features", "segment_id", seg.ID, "person_id", failed.PersonID, "err", failed.Err)
		}

		for i := range page.Features {
			f := &page.Features[i]
			var matched bool
			if sqlMatches != nil {
				_, matched = sqlMatches[f.PersonID]
			} else {
				matched, err = MatchRules(seg.Conditions.Rules, f)
				if err != nil {
					flush()
					return nil, fmt.Errorf("segment %s: %w", seg.ID, err)
				}
			}
			result.Evaluated++
			e.reconcile(ctx, seg.ID, f, matched, active, now, result)
		}
		flush()

		if page.Rows < e.pageSize || page.LastPersonID == "" {
			break
		}
		after = page.LastPersonID
	}

	count, err := e.repo.CountActiveMembers(ctx, seg.ID)
	if err != nil {
		return nil, fmt.Errorf("count members: %w", err)
	}
	result.CurrentMembers = count
	result.DurationMs = time.Since(start).Milliseconds()

	e.log.Info("segment evaluated",
		"segment_id", seg.ID,
		"evaluated", result.Evaluated,
		"entered", len(result.Entered),
		"exited", len(result.Exited),
		"skipped", result.Skipped,
		"current_members", result.CurrentMembers,
	)
	return result, nil
}

// reconcile applies the membership diff for one person. Write failures are
// logged and counted as skipped so one bad row cannot fail the run.
func (e *Engine) reconcile(ctx context.Context, segmentID string, f *domain.PersonFeatures, matched bool, active map[string]domain.SegmentMembership, now time.Time, result *EvaluationResult) {
	current, isMember := active[f.PersonID]

	switch {
	case matched && !isMember:
		m, created, err := e.repo.OpenMembership(ctx, f.PersonID, segmentID, now)
		if err != nil {
			result.Skipped++
			e.log.Error("open membership failed", "segment_id", segmentID, "person_id", f.PersonID, "err", err)
			return
		}
		if !created {
			return
		}
		result.Entered = append(result.Entered, Transition{
			MembershipID: m.ID,
			PersonID:     f.PersonID,
			Email:        f.Email,
			SegmentID:    segmentID,
			Event:        domain.TriggerEntered,
			At:           now,
		})

	case !matched && isMember:
		closed, err := e.repo.CloseMembership(ctx, current.ID, now)
		if err != nil {
			result.Skipped++
			e.log.Error("close membership failed", "segment_id", segmentID, "person_id", f.PersonID, "err", err)
			return
		}
		if !closed {
			return
		}
		result.Exited = append(result.Exited, Transition{
			MembershipID: current.ID,
			PersonID:     f.PersonID,
			Email:        f.Email,
			SegmentID:    segmentID,
			Event:        domain.TriggerExited,
			At:           now,
		})
	}
}

// fire delivers transitions even when ctx is already cancelled: the
// memberships behind them are committed and will not transition again.
func (e *Engine) fire(ctx context.Context, transitions []Transition) {
	if e.transitions == nil || len(transitions) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, t := range transitions {
		if err := e.transitions.OnTransition(ctx, t); err != nil {
			e.log.Error("transition handler failed",
				"segment_id", t.SegmentID, "person_id", t.PersonID, "event", t.Event, "err", err)
		}
	}
}
