// Package engine loads the active rule set and executes it over the full
// record set of a run. Two rule sources coexist: hard-coded handlers
// registered at process start, and data-driven rows from the rules table
// dispatched to generic handlers by ruleType.
//
// Handlers are isolated: a handler that returns an error or panics is logged
// and skipped, and the run proceeds with the remaining rules. A duplicate rule
// id between the two sources resolves in favor of the in-code handler; the
// data-driven row is skipped with a warning, never run alongside.
package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"ramqval.facturis.org/cache"
	"ramqval.facturis.org/models"
	"ramqval.facturis.org/rules"
	"ramqval.facturis.org/vlog"
)

// Handler is one executable validation rule.
type Handler interface {
	ID() string
	Name() string
	Category() string
	Validate(in *rules.Input) ([]rules.Draft, error)
}

// ProgressFunc receives engine progress in [50,90].
type ProgressFunc func(percent int)

// Engine owns the rule registry.
type Engine struct {
	registry map[string]Handler
	order    []string
	cache    *cache.Cache
	sink     *vlog.Sink
	log      *logrus.Entry
}

// New builds an engine; in-code rules register before any run.
func New(c *cache.Cache, sink *vlog.Sink, log *logrus.Entry) *Engine {
	return &Engine{
		registry: map[string]Handler{},
		cache:    c,
		sink:     sink,
		log:      log,
	}
}

// Register adds an in-code handler. Duplicate registration keeps the first
// handler and logs a warning.
func (e *Engine) Register(h Handler) {
	if _, exists := e.registry[h.ID()]; exists {
		e.log.WithField("rule_id", h.ID()).Warn("duplicate rule registration ignored")
		return
	}
	e.registry[h.ID()] = h
	e.order = append(e.order, h.ID())
}

// RegisterDefaults installs the built-in rule catalogue.
func (e *Engine) RegisterDefaults() {
	e.Register(&rules.OfficeFeeRule{})
	e.Register(&rules.AnnualRule{})
	e.Register(&rules.GMFRule{})
	e.Register(&rules.InterventionRule{})
	e.Register(&rules.DurationRule{})
}

// Run executes every enabled rule over the records and returns the
// concatenated drafts. Rule failures never fail the run.
func (e *Engine) Run(ctx context.Context, runID string, records []models.BillingRecord, progress ProgressFunc) ([]rules.Draft, error) {
	refs, err := e.loadRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference data: %w", err)
	}

	handlers, disabled := e.activeHandlers(ctx, runID)
	total := len(handlers)
	e.sink.Info(ctx, runID, "engine", fmt.Sprintf("Exécution de %d règle(s) de validation.", total),
		&vlog.Meta{RuleCount: vlog.Int(total)})
	if disabled > 0 {
		e.sink.Debug(ctx, runID, "engine", fmt.Sprintf("%d règle(s) désactivée(s) ignorée(s).", disabled), nil)
	}

	in := &rules.Input{RunID: runID, Records: records, Refs: refs}

	var drafts []rules.Draft
	for i, h := range handlers {
		found := e.runOne(ctx, runID, h, in)
		drafts = append(drafts, found...)
		if progress != nil && total > 0 {
			progress(50 + (i+1)*40/total)
		}
	}
	return drafts, nil
}

// runOne isolates one handler, converting panics into logged failures.
func (e *Engine) runOne(ctx context.Context, runID string, h Handler, in *rules.Input) (drafts []rules.Draft) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{"rule_id": h.ID(), "panic": fmt.Sprint(r)}).Error("rule handler panicked")
			e.sink.Error(ctx, runID, "engine",
				fmt.Sprintf("La règle %s a échoué et a été ignorée.", h.ID()),
				&vlog.Meta{RuleID: h.ID(), ErrorCode: "rule_panic"})
			drafts = nil
		}
	}()

	found, err := h.Validate(in)
	if err != nil {
		e.log.WithError(err).WithField("rule_id", h.ID()).Error("rule handler failed")
		e.sink.Error(ctx, runID, "engine",
			fmt.Sprintf("La règle %s a échoué et a été ignorée.", h.ID()),
			&vlog.Meta{RuleID: h.ID(), ErrorCode: "rule_error"})
		return nil
	}
	return found
}

// activeHandlers merges in-code handlers with enabled data-driven rows. The
// returned slice is in deterministic order: registration order for in-code
// handlers, then rule-id order for data-driven ones.
func (e *Engine) activeHandlers(ctx context.Context, runID string) ([]Handler, int) {
	rows, err := e.cache.Rules(ctx)
	if err != nil {
		e.log.WithError(err).Warn("failed to load rules table, running in-code rules only")
		e.sink.Warn(ctx, runID, "engine",
			"Table des règles inaccessible; seules les règles intégrées seront exécutées.", nil)
		rows = nil
	}

	disabledInCode := map[string]bool{}
	var generic []Handler
	disabled := 0

	ids := make([]string, 0, len(rows))
	byID := make(map[string]models.Rule, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
		byID[row.ID] = row
	}
	sort.Strings(ids)

	for _, id := range ids {
		row := byID[id]
		if _, inCode := e.registry[row.ID]; inCode {
			// Open conflict between a hard-coded handler and a table row with
			// the same id: the in-code handler wins, the row only toggles it.
			if !row.Enabled {
				disabledInCode[row.ID] = true
			} else {
				e.log.WithField("rule_id", row.ID).Warn("rules table row shadows an in-code handler, skipping row")
				e.sink.Warn(ctx, runID, "engine",
					fmt.Sprintf("La règle %s existe à la fois en code et en table; la version codée est utilisée.", row.ID),
					&vlog.Meta{RuleID: row.ID})
			}
			continue
		}
		if !row.Enabled {
			disabled++
			continue
		}
		h, err := rules.NewGenericRule(row)
		if err != nil {
			e.log.WithError(err).WithField("rule_id", row.ID).Warn("skipping unparseable rule row")
			e.sink.Warn(ctx, runID, "engine",
				fmt.Sprintf("La règle %s est invalide et a été ignorée.", row.ID),
				&vlog.Meta{RuleID: row.ID, ErrorCode: "bad_rule_type"})
			continue
		}
		generic = append(generic, h)
	}

	handlers := make([]Handler, 0, len(e.order)+len(generic))
	for _, id := range e.order {
		if disabledInCode[id] {
			disabled++
			continue
		}
		handlers = append(handlers, e.registry[id])
	}
	handlers = append(handlers, generic...)
	return handlers, disabled
}

func (e *Engine) loadRefs(ctx context.Context) (*rules.RefData, error) {
	codes, err := e.cache.Codes(ctx)
	if err != nil {
		return nil, err
	}
	establishments, err := e.cache.Establishments(ctx)
	if err != nil {
		return nil, err
	}
	return rules.BuildRefData(codes, establishments), nil
}
