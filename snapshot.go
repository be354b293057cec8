package imago

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/imago/blobstore"
	"github.com/hupe1980/imago/codec"
	"github.com/hupe1980/imago/model"
)

const textSegmentName = "text.seg"

func vectorSegmentName(v model.ModelVersion) string {
	return "vector-" + v.String() + ".seg"
}

// stateful is what an index must expose to be snapshot-capable. The
// bundled indexes all are; a custom textindex.Index that is not simply
// opts out of snapshots.
type stateful interface {
	State() any
	Restore(v any) error
	NewState() any
}

// SaveSnapshot persists the vector and full-text segments through the
// configured blob store. Vector segments are keyed by model version;
// segments of superseded versions are removed after a successful write.
//
// The metadata store is durable on its own; snapshots only cover the
// in-memory index structures.
func (e *Engine) SaveSnapshot(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.opts.blobStore == nil {
		return errors.New("imago: no blob store configured, see WithBlobStore")
	}

	vecName := vectorSegmentName(e.vectors.Version())
	data, err := codec.Encode(e.vectors.State(), e.opts.compression)
	if err != nil {
		e.opts.logger.LogSnapshot(ctx, vecName, err)
		return err
	}
	if err := e.opts.blobStore.Put(ctx, vecName, data); err != nil {
		e.opts.logger.LogSnapshot(ctx, vecName, err)
		return err
	}
	e.opts.logger.LogSnapshot(ctx, vecName, nil)

	// Superseded model versions are gone for good once the new segment is
	// safely written.
	names, err := e.opts.blobStore.List(ctx, "vector-")
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == vecName {
			continue
		}
		if err := e.opts.blobStore.Delete(ctx, name); err != nil {
			return err
		}
	}

	texts, ok := e.texts.(stateful)
	if !ok {
		return nil
	}
	data, err = codec.Encode(texts.State(), e.opts.compression)
	if err != nil {
		e.opts.logger.LogSnapshot(ctx, textSegmentName, err)
		return err
	}
	if err := e.opts.blobStore.Put(ctx, textSegmentName, data); err != nil {
		e.opts.logger.LogSnapshot(ctx, textSegmentName, err)
		return err
	}
	e.opts.logger.LogSnapshot(ctx, textSegmentName, nil)
	return nil
}

// LoadSnapshot restores the index structures from persisted segments and
// repopulates the filter index from the metadata store. Call it once at
// startup, before Recover.
//
// A vector segment written by a different embedding model is fatal
// unless WithRebuildOnMismatch was set, in which case the stale segment
// is skipped and the caller is expected to run Rebuild.
func (e *Engine) LoadSnapshot(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.opts.blobStore == nil {
		return errors.New("imago: no blob store configured, see WithBlobStore")
	}

	vecName := vectorSegmentName(e.vectors.Version())
	data, err := e.opts.blobStore.Get(ctx, vecName)
	switch {
	case err == nil:
		st := e.vectors.NewState()
		if err := codec.Decode(data, st); err != nil {
			return fmt.Errorf("imago: decode %s: %w", vecName, err)
		}
		if err := e.vectors.Restore(st); err != nil {
			return fmt.Errorf("imago: restore %s: %w", vecName, err)
		}
		e.opts.logger.Info("vector segment loaded", "segment", vecName, "entries", e.vectors.Len())

	case errors.Is(err, blobstore.ErrNotFound):
		others, listErr := e.opts.blobStore.List(ctx, "vector-")
		if listErr != nil {
			return listErr
		}
		if len(others) > 0 {
			if !e.opts.rebuildOnMismatch {
				return fmt.Errorf("%w: want %s, found %v", ErrModelMismatch, vecName, others)
			}
			e.opts.logger.Warn("skipping vector segments of a different model, rebuild required",
				"want", vecName, "found", others)
		}

	default:
		return err
	}

	if texts, ok := e.texts.(stateful); ok {
		data, err := e.opts.blobStore.Get(ctx, textSegmentName)
		switch {
		case err == nil:
			st := texts.NewState()
			if err := codec.Decode(data, st); err != nil {
				return fmt.Errorf("imago: decode %s: %w", textSegmentName, err)
			}
			if err := texts.Restore(st); err != nil {
				return fmt.Errorf("imago: restore %s: %w", textSegmentName, err)
			}
			e.opts.logger.Info("text segment loaded", "segment", textSegmentName)
		case errors.Is(err, blobstore.ErrNotFound):
			// Nothing persisted yet.
		default:
			return err
		}
	}

	// The filter index is not segment-backed; it rebuilds cheaply from
	// the durable records.
	recs, err := e.meta.ListByStatus(ctx, model.StatusIndexed, model.StatusReady)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		e.filters.Upsert(rec)
	}
	if len(recs) > 0 {
		e.opts.logger.Info("filter index repopulated", "records", len(recs))
	}
	return nil
}
