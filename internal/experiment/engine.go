// Package experiment runs A/B tests over published content: deterministic
// variant assignment, monotonic outcome counters and a two-proportion z-test
// evaluation against the first declared variant.
package experiment

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	logx "pewpost/pkg/logx"
)

// ZCritical is the two-sided 95% threshold.
const ZCritical = 1.96

// Store persists tests including their counters. Implementations must
// tolerate SaveTest being called on every counter change.
type Store interface {
	SaveTest(ctx context.Context, t Test) error
	LoadTests(ctx context.Context) ([]Test, error)
}

type Engine struct {
	mu    sync.RWMutex
	tests map[string]*Test
	store Store
	log   logx.Logger
	now   func() time.Time
}

func New(store Store, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		tests: map[string]*Test{},
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Load replaces in-memory state with what the store holds.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	list, err := e.store.LoadTests(ctx)
	if err != nil {
		return fmt.Errorf("load tests: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tests = make(map[string]*Test, len(list))
	for i := range list {
		t := list[i].clone()
		e.tests[t.ID] = &t
	}
	e.log.Info("experiments loaded", logx.Int("count", len(list)))
	return nil
}

func validate(t Test) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: empty test id", ErrInvalidTest)
	}
	if len(t.Variants) < 2 {
		return fmt.Errorf("%w: need at least two variants", ErrInvalidTest)
	}
	if _, err := (Counters{}).successes(t.PrimaryMetric); err != nil {
		return fmt.Errorf("%w: %q", err, t.PrimaryMetric)
	}
	seen := map[string]struct{}{}
	sum := 0.0
	for _, v := range t.Variants {
		if strings.TrimSpace(v.ID) == "" {
			return fmt.Errorf("%w: empty variant id", ErrInvalidTest)
		}
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("%w: duplicate variant %q", ErrInvalidTest, v.ID)
		}
		seen[v.ID] = struct{}{}
		if v.Weight < 0 || math.IsNaN(v.Weight) || math.IsInf(v.Weight, 0) {
			return fmt.Errorf("%w: variant %q weight %v", ErrInvalidTest, v.ID, v.Weight)
		}
		sum += v.Weight
	}
	if sum <= 0 {
		return fmt.Errorf("%w: weights must sum to a positive value", ErrInvalidTest)
	}
	return nil
}

// Create registers a draft test. Counters start at zero.
func (e *Engine) Create(ctx context.Context, t Test) (Test, error) {
	if err := validate(t); err != nil {
		return Test{}, err
	}
	t = t.clone()
	t.Status = StatusDraft
	t.Final = nil
	t.StartTime, t.EndTime = time.Time{}, time.Time{}
	if t.PrimaryMetric == "" {
		t.PrimaryMetric = MetricEngagementRate
	}
	if t.MinSampleSize <= 0 {
		t.MinSampleSize = DefaultMinSampleSize
	}
	for i := range t.Variants {
		t.Variants[i].Counters = Counters{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tests[t.ID]; ok {
		return Test{}, fmt.Errorf("%w: %s", ErrAlreadyExists, t.ID)
	}
	if err := e.save(ctx, t); err != nil {
		return Test{}, err
	}
	e.tests[t.ID] = &t
	e.log.Info("experiment created", logx.String("test", t.ID), logx.Int("variants", len(t.Variants)))
	return t.clone(), nil
}

func (e *Engine) Start(ctx context.Context, testID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tests[testID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusDraft {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, t.Status, StatusRunning)
	}
	next := t.clone()
	next.Status = StatusRunning
	next.StartTime = e.now()
	if err := e.save(ctx, next); err != nil {
		return err
	}
	*t = next
	e.log.Info("experiment started", logx.String("test", testID))
	return nil
}

// Complete freezes the test and stores its final evaluation.
func (e *Engine) Complete(ctx context.Context, testID string) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tests[testID]
	if !ok {
		return Result{}, ErrNotFound
	}
	if t.Status != StatusRunning {
		return Result{}, fmt.Errorf("%w: %s -> %s", ErrBadTransition, t.Status, StatusCompleted)
	}
	now := e.now()
	res := Evaluate(*t, now)
	next := t.clone()
	next.Status = StatusCompleted
	next.EndTime = now
	next.Final = &res
	if err := e.save(ctx, next); err != nil {
		return Result{}, err
	}
	*t = next
	e.log.Info("experiment completed",
		logx.String("test", testID),
		logx.String("outcome", string(res.Outcome)),
		logx.String("winner", res.WinnerID),
		logx.Float64("z", res.ZScore),
	)
	return res, nil
}

func (e *Engine) Get(testID string) (Test, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tests[testID]
	if !ok {
		return Test{}, false
	}
	return t.clone(), true
}

// List returns all tests sorted by id.
func (e *Engine) List() []Test {
	e.mu.RLock()
	out := make([]Test, 0, len(e.tests))
	for _, t := range e.tests {
		out = append(out, t.clone())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Assign maps callerKey to a variant of a running test. The same key always
// lands on the same variant for a given test.
func (e *Engine) Assign(testID, callerKey string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tests[testID]
	if !ok {
		return "", ErrNotFound
	}
	if t.Status != StatusRunning {
		return "", ErrNotRunning
	}
	return pick(testID, callerKey, t.Variants), nil
}

// bucket maps testID:callerKey onto [0,1).
func bucket(testID, callerKey string) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(testID))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(callerKey))
	return float64(mix64(h.Sum64())>>11) / float64(uint64(1)<<53)
}

// mix64 spreads FNV's weak high bits (splitmix64 finalizer).
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

func pick(testID, callerKey string, vs []Variant) string {
	total := 0.0
	for _, v := range vs {
		total += v.Weight
	}
	target := bucket(testID, callerKey) * total
	acc := 0.0
	last := ""
	for _, v := range vs {
		if v.Weight <= 0 {
			continue
		}
		acc += v.Weight
		last = v.ID
		if target < acc {
			return v.ID
		}
	}
	// float rounding on the final boundary
	return last
}

// RecordEvent adds n to one counter of one variant. Completed tests are
// frozen and reject further events.
func (e *Engine) RecordEvent(ctx context.Context, testID, variantID string, kind EventKind, n int64) error {
	if n <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tests[testID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusRunning {
		return ErrNotRunning
	}
	idx := t.variant(variantID)
	if idx < 0 {
		return fmt.Errorf("%w: %s/%s", ErrUnknownVariant, testID, variantID)
	}
	next := t.clone()
	if err := next.Variants[idx].Counters.add(kind, n); err != nil {
		return err
	}
	if err := e.save(ctx, next); err != nil {
		e.log.Warn("experiment counter not persisted", logx.String("test", testID), logx.Err(err))
	}
	*t = next
	return nil
}

// Evaluate scores a test without changing it.
func (e *Engine) Evaluate(testID string) (Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tests[testID]
	if !ok {
		return Result{}, ErrNotFound
	}
	if t.Final != nil {
		return *t.Final, nil
	}
	return Evaluate(*t, e.now()), nil
}

func (e *Engine) save(ctx context.Context, t Test) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveTest(ctx, t); err != nil {
		return fmt.Errorf("save test %s: %w", t.ID, err)
	}
	return nil
}

// Evaluate compares the best eligible variant to the first declared variant
// with a pooled two-proportion z-test. When the first variant leads, it is
// compared to the strongest eligible challenger instead.
func Evaluate(t Test, now time.Time) Result {
	res := Result{TestID: t.ID, Outcome: OutcomeInconclusive, EvaluatedAt: now}
	if len(t.Variants) == 0 {
		return res
	}
	minViews := t.MinSampleSize
	if minViews <= 0 {
		minViews = DefaultMinSampleSize
	}

	stats := make([]VariantStat, len(t.Variants))
	for i, v := range t.Variants {
		s, _ := v.Counters.successes(t.PrimaryMetric)
		st := VariantStat{VariantID: v.ID, Views: v.Counters.Views, Successes: s}
		if st.Views > 0 {
			st.Rate = float64(s) / float64(st.Views)
		}
		st.Eligible = st.Views >= minViews
		stats[i] = st
	}
	res.Variants = stats
	res.BaselineID = stats[0].VariantID

	leader := -1
	for i, st := range stats {
		if !st.Eligible {
			continue
		}
		if leader < 0 || st.Rate > stats[leader].Rate {
			leader = i
		}
	}
	if leader < 0 {
		return res
	}

	cmp := 0
	if leader == 0 {
		cmp = -1
		for i := 1; i < len(stats); i++ {
			if stats[i].Eligible && (cmp < 0 || stats[i].Rate > stats[cmp].Rate) {
				cmp = i
			}
		}
	}
	if cmp < 0 || !stats[cmp].Eligible {
		return res
	}

	w, b := stats[leader], stats[cmp]
	res.ComparatorID = b.VariantID
	res.ZScore = zScore(b.Successes, b.Views, w.Successes, w.Views)
	res.Significant = math.Abs(res.ZScore) > ZCritical
	if b.Rate > 0 {
		res.ImprovementPc = (w.Rate - b.Rate) / b.Rate * 100
	}
	if res.Significant {
		res.Outcome = OutcomeWinner
		res.WinnerID = w.VariantID
	}
	return res
}

// zScore is the pooled two-proportion statistic of (s2/n2 - s1/n1).
func zScore(s1, n1, s2, n2 int64) float64 {
	if n1 <= 0 || n2 <= 0 {
		return 0
	}
	p1 := float64(s1) / float64(n1)
	p2 := float64(s2) / float64(n2)
	p := float64(s1+s2) / float64(n1+n2)
	se := math.Sqrt(p * (1 - p) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 0
	}
	return (p2 - p1) / se
}
