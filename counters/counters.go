// Package counters implements the counter engine (spec §4.8): per-commit
// total/rule bumps and, for rules that declare countUnique, cardinality
// tracking of the observed property values.
package counters

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/nx-intelligence/chronos-db/infrastructure/logging"
	"github.com/nx-intelligence/chronos-db/infrastructure/metrics"
	"github.com/nx-intelligence/chronos-db/metapg"
	"github.com/nx-intelligence/chronos-db/pipeline"
)

// Engine implements pipeline.CounterBumper: it evaluates the configured
// rules against each commit event and bumps totals/unique-value tracking
// in metapg. A counter failure never cascades to the caller — spec §4.8
// says "counter failures are logged and swallowed" — so OnCommit has no
// return value at all.
type Engine struct {
	Store *metapg.Store
	Rules []Rule
	log   *logging.Logger
	met   *metrics.Metrics
}

// New builds a counter Engine.
func New(store *metapg.Store, rules []Rule, log *logging.Logger, met *metrics.Metrics) *Engine {
	return &Engine{Store: store, Rules: rules, log: log, met: met}
}

// OnCommit evaluates every rule against evt and bumps the matching ones.
// Implements pipeline.CounterBumper.
func (e *Engine) OnCommit(ctx context.Context, evt pipeline.CommitEvent) {
	op := commitOp(evt.Op)

	if err := e.bumpOpBucket(ctx, evt, op); err != nil {
		e.warn(ctx, evt, "op-bucket", err)
	}

	for _, rule := range e.Rules {
		if !rule.appliesTo(op) {
			continue
		}
		view := evt.Meta
		if rule.Scope == ScopePayload {
			view = evt.Payload
		}
		if !rule.When.matches(view) {
			continue
		}
		if err := e.fireRule(ctx, evt, rule, view, op); err != nil {
			e.warn(ctx, evt, "rule:"+rule.Name, err)
		}
	}
}

func (e *Engine) bumpOpBucket(ctx context.Context, evt pipeline.CommitEvent, op Op) error {
	_, err := e.Store.IncTotal(ctx, evt.DBName, evt.Collection, "_ops."+string(op), 1)
	if err != nil {
		return err
	}
	if e.met != nil {
		e.met.RecordCounterBump("chronos-db", evt.DBName, evt.Collection, string(op))
	}
	return nil
}

func (e *Engine) fireRule(ctx context.Context, evt pipeline.CommitEvent, rule Rule, view map[string]interface{}, op Op) error {
	bucket := rule.Name + "." + string(op)
	if _, err := e.Store.IncTotal(ctx, evt.DBName, evt.Collection, bucket, 1); err != nil {
		return err
	}
	if e.met != nil {
		e.met.RecordCounterBump("chronos-db", evt.DBName, evt.Collection, bucket)
	}

	if len(rule.CountUnique) == 0 {
		return nil
	}

	raw, err := json.Marshal(view)
	if err != nil {
		return err
	}
	for _, prop := range rule.CountUnique {
		result := gjson.GetBytes(raw, prop)
		if !result.Exists() {
			continue
		}
		if err := e.Store.RecordUniqueValue(ctx, evt.DBName, evt.Collection, rule.Name, prop, result.String()); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) warn(ctx context.Context, evt pipeline.CommitEvent, what string, err error) {
	if e.log == nil {
		return
	}
	e.log.WithContext(ctx).WithFields(map[string]interface{}{
		"dbName":     evt.DBName,
		"collection": evt.Collection,
		"id":         evt.ID,
		"what":       what,
	}).WithError(err).Warn("counters: bump failed, swallowed")
}

func commitOp(op string) Op {
	switch op {
	case "create":
		return OpCreate
	case "delete":
		return OpDelete
	default:
		return OpUpdate
	}
}
