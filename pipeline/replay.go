package pipeline

import (
	"context"

	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
	"github.com/nx-intelligence/chronos-db/metadatamap"
	"github.com/nx-intelligence/chronos-db/router"
)

// ReplayAdapter lets the fallback worker (package fbqueue) replay a
// previously-failed write through the ordinary commit protocol without
// depending on pipeline's internals beyond this one interface — breaking
// the router → pipeline → fallback cyclic dependency the singleton-config
// redesign flag (spec §9) calls out. *Engine implements it.
type ReplayAdapter interface {
	Replay(ctx context.Context, op ReplayOp) (Result, error)
}

// ReplayOp is the durable, JSON-serializable form of one queued write —
// everything Create/Update/Delete/Enrich need to run again, carried by
// metapg.FallbackOp.Payload.
type ReplayOp struct {
	Kind          string // "create" | "update" | "delete" | "enrich"
	RouteCtx      router.RouteContext
	Collection    metadatamap.CollectionMap
	ID            string
	Data          map[string]interface{}
	ExpectedOV    uint64
	Patches       []interface{}
	FunctionID    string
}

// Replay dispatches op to the matching commit-protocol entry point.
// Implements ReplayAdapter.
func (e *Engine) Replay(ctx context.Context, op ReplayOp) (Result, error) {
	req := WriteRequest{RouteCtx: op.RouteCtx, Collection: op.Collection}
	switch op.Kind {
	case "create":
		return e.Create(ctx, req, op.Data)
	case "update":
		return e.Update(ctx, req, op.ID, op.Data, op.ExpectedOV)
	case "delete":
		return e.Delete(ctx, req, op.ID, op.ExpectedOV)
	case "enrich":
		return e.Enrich(ctx, req, op.ID, op.Patches, op.FunctionID)
	default:
		return Result{}, svcerrors.Validation("kind", "unknown replay op kind "+op.Kind)
	}
}
