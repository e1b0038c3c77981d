package cowverse

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/aweris/cowverse"

// Coordinator fans bulk requests out to a Store with bounded concurrency.
// It keeps no state between calls.
type Coordinator struct {
	store  *Store
	log    *zap.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a coordinator using the store's batch limits.
func NewCoordinator(store *Store) *Coordinator {
	return &Coordinator{
		store:  store,
		log:    store.opts.Logger.Named("batch"),
		tracer: otel.Tracer(tracerName),
	}
}

// CreateConfig describes the universes CreateMany produces.
type CreateConfig struct {
	// ChunkSize overrides the store's chunk size when positive.
	ChunkSize int

	// Initial is the state each new universe starts from. Ignored when
	// SourceID is set.
	Initial State

	// SourceID makes every item a clone of this universe.
	SourceID string

	Meta CreateMeta
}

// CreateManyResult holds the outcome of CreateMany. Items are ordered by
// creation index.
type CreateManyResult struct {
	BatchID  string
	Items    []Universe
	Failures []ItemError
	Chunks   int
	Duration time.Duration
}

// CreateMany creates count universes in chunks. Items within a chunk run
// concurrently up to the in-flight limit; a chunk finishes completely
// before the next one starts. Items that had not started when ctx was done
// fail with ErrCancelled.
func (c *Coordinator) CreateMany(ctx context.Context, count int, cfg CreateConfig) (CreateManyResult, error) {
	opts := c.store.opts
	if count <= 0 || count > opts.MaxBatchCount {
		return CreateManyResult{}, fmt.Errorf("%w: count %d outside (0, %d]", ErrInvalidArgument, count, opts.MaxBatchCount)
	}
	chunkSize := opts.ChunkSize
	if cfg.ChunkSize > 0 {
		chunkSize = cfg.ChunkSize
	}

	start := time.Now()
	batchID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "cowverse.CreateMany", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("batch.count", count),
		attribute.Int("batch.chunk_size", chunkSize),
	))
	defer span.End()

	items := make([]*Universe, count)
	errs := make([]error, count)

	res := CreateManyResult{BatchID: batchID}
	for lo := 0; lo < count; lo += chunkSize {
		hi := min(lo+chunkSize, count)
		if err := ctx.Err(); err != nil {
			for i := lo; i < hi; i++ {
				errs[i] = cancelled(err)
			}
			continue
		}

		p := pool.New().WithMaxGoroutines(opts.MaxInFlight)
		for i := lo; i < hi; i++ {
			p.Go(func() {
				if err := ctx.Err(); err != nil {
					errs[i] = cancelled(err)
					return
				}
				u, err := c.createItem(cfg, batchInfo{id: batchID, index: i})
				if err != nil {
					errs[i] = err
					return
				}
				items[i] = &u
			})
		}
		p.Wait()
		res.Chunks++
	}

	for i := range count {
		if errs[i] != nil {
			res.Failures = append(res.Failures, ItemError{Index: i, Err: errs[i]})
			continue
		}
		res.Items = append(res.Items, *items[i])
	}
	res.Duration = time.Since(start)

	c.finishBatch(span, OpCreateMany, batchID, len(res.Items), res.Failures, res.Duration)
	return res, nil
}

func (c *Coordinator) createItem(cfg CreateConfig, batch batchInfo) (Universe, error) {
	if cfg.SourceID != "" {
		return c.store.cloneOp(cfg.SourceID, cfg.Meta, batch)
	}
	return c.store.createOp(cfg.Initial, cfg.Meta, batch)
}

// Operation is one item of a RunMany request.
type Operation struct {
	Kind       OpKind
	UniverseID string

	// Updates is the payload for OpUpdate and the modifications for
	// OpBranch. It must be a mapping.
	Updates any

	// SourceIDs and Strategy apply to OpMerge.
	SourceIDs []string
	Strategy  MergeStrategy

	// SnapshotID applies to OpRestore.
	SnapshotID string

	Meta         CreateMeta
	SnapshotMeta SnapshotMeta
}

// OperationResult is the successful outcome of one Operation. Exactly one
// of Universe, Snapshot and Update is set, except for OpEvict where none is.
type OperationResult struct {
	Index      int
	Kind       OpKind
	UniverseID string

	Universe *Universe
	Snapshot *Snapshot
	Update   *UpdateResult
}

// RunManyResult holds the outcome of RunMany. Results and Failures are each
// ordered by request index.
type RunManyResult struct {
	BatchID  string
	Results  []OperationResult
	Failures []ItemError
	Duration time.Duration
}

// RunMany executes operations concurrently up to the in-flight limit. A
// failing item never cancels its siblings. Items that had not started when
// ctx was done fail with ErrCancelled.
func (c *Coordinator) RunMany(ctx context.Context, ops []Operation) (RunManyResult, error) {
	opts := c.store.opts
	if len(ops) == 0 {
		return RunManyResult{}, fmt.Errorf("%w: no operations", ErrInvalidArgument)
	}
	if len(ops) > opts.MaxBatchCount {
		return RunManyResult{}, fmt.Errorf("%w: %d operations exceeds %d", ErrInvalidArgument, len(ops), opts.MaxBatchCount)
	}

	start := time.Now()
	batchID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "cowverse.RunMany", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("batch.count", len(ops)),
	))
	defer span.End()

	results := make([]OperationResult, len(ops))
	errs := make([]error, len(ops))

	p := pool.New().WithMaxGoroutines(opts.MaxInFlight)
	for i, op := range ops {
		p.Go(func() {
			if err := ctx.Err(); err != nil {
				errs[i] = cancelled(err)
				return
			}
			results[i], errs[i] = c.runOne(op, batchInfo{id: batchID, index: i})
			results[i].Index = i
		})
	}
	p.Wait()

	res := RunManyResult{BatchID: batchID}
	for i := range ops {
		if errs[i] != nil {
			res.Failures = append(res.Failures, ItemError{Index: i, Err: errs[i]})
			continue
		}
		res.Results = append(res.Results, results[i])
	}
	res.Duration = time.Since(start)

	c.finishBatch(span, OpRunMany, batchID, len(res.Results), res.Failures, res.Duration)
	return res, nil
}

func (c *Coordinator) runOne(op Operation, batch batchInfo) (OperationResult, error) {
	s := c.store
	out := OperationResult{Kind: op.Kind, UniverseID: op.UniverseID}

	switch op.Kind {
	case OpUpdate:
		updates, err := AsState(op.Updates)
		if err != nil {
			return out, err
		}
		res, err := s.updateOp(op.UniverseID, updates, batch.id)
		if err != nil {
			return out, err
		}
		out.Update = &res

	case OpSnapshot:
		snap, err := s.snapshotOp(op.UniverseID, op.SnapshotMeta, batch.id)
		if err != nil {
			return out, err
		}
		out.Snapshot = &snap

	case OpClone:
		u, err := s.cloneOp(op.UniverseID, op.Meta, batch)
		if err != nil {
			return out, err
		}
		out.Universe = &u

	case OpBranch:
		var mods State
		if op.Updates != nil {
			var err error
			if mods, err = AsState(op.Updates); err != nil {
				return out, err
			}
		}
		u, err := s.branchOp(op.UniverseID, mods, op.Meta, batch)
		if err != nil {
			return out, err
		}
		out.Universe = &u

	case OpMerge:
		res, err := s.mergeOp(op.UniverseID, op.SourceIDs, op.Strategy, batch.id)
		if err != nil {
			return out, err
		}
		out.Update = &res

	case OpRestore:
		res, err := s.restoreOp(op.UniverseID, op.SnapshotID, batch.id)
		if err != nil {
			return out, err
		}
		out.Update = &res

	case OpEvict:
		if err := s.evictOp(op.UniverseID, batch.id); err != nil {
			return out, err
		}

	default:
		return out, fmt.Errorf("%w: unsupported operation %q", ErrInvalidArgument, op.Kind)
	}
	return out, nil
}

func (c *Coordinator) finishBatch(span trace.Span, kind OpKind, batchID string, succeeded int, failures []ItemError, d time.Duration) {
	span.SetAttributes(
		attribute.Int("batch.succeeded", succeeded),
		attribute.Int("batch.failed", len(failures)),
	)
	if len(failures) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d items failed", len(failures)))
		for _, f := range failures {
			c.log.Warn("batch item failed",
				zap.String("batch", batchID),
				zap.Int("index", f.Index),
				zap.Error(f.Err))
		}
	}
	c.log.Info("batch complete",
		zap.String("op", string(kind)),
		zap.String("batch", batchID),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", len(failures)),
		zap.Duration("elapsed", d))

	c.store.ev.emit(Event{
		Kind:      kind,
		BatchID:   batchID,
		Duration:  d,
		Succeeded: succeeded,
		Failed:    len(failures),
	})
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %v", ErrCancelled, cause)
}
