package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hupe1980/imago/fingerprint"
	"github.com/hupe1980/imago/model"
)

var errNoFetcher = errors.New("ingest: no source fetcher configured")

// Recover resumes interrupted pipelines: every record stuck between
// Pending and Indexed is driven to Ready, or to Failed once its retry
// budget is exhausted. Returns the number of records that reached Ready.
//
// Each record retries with exponential backoff; a record whose source
// bytes cannot be fetched, or whose bytes no longer match the stored
// fingerprint, is failed rather than retried forever.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}

	stuck, err := c.meta.ListByStatus(ctx,
		model.StatusPending, model.StatusEmbedded, model.StatusIndexed)
	if err != nil {
		return 0, err
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	c.opts.Logger.Info("recovery pass started", "stuck_records", len(stuck))

	recovered := 0
	for _, rec := range stuck {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		if err := c.recoverOne(ctx, rec.ID); err != nil {
			c.opts.Logger.Warn("record not recovered", "image_id", rec.ID, "error", err)
			continue
		}
		recovered++
	}

	c.opts.Logger.Info("recovery pass finished",
		"recovered", recovered, "failed", len(stuck)-recovered)
	return recovered, nil
}

func (c *Coordinator) recoverOne(ctx context.Context, id model.ImageID) error {
	rec, err := c.meta.Get(ctx, id)
	if err != nil {
		return err
	}

	unlock := c.locks.Lock(rec.Fingerprint)
	defer unlock()

	// An in-flight pipeline may have finished while we waited for the
	// exclusive section.
	rec, err = c.meta.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}

	raw, err := c.fetchSource(ctx, rec)
	if err != nil {
		c.fail(ctx, rec.ID, fmt.Errorf("recovery: %w", err))
		return err
	}

	operation := func() error {
		cur, err := c.meta.Get(ctx, rec.ID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := c.pipeline(ctx, cur, raw); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = c.opts.RetryBudget

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		c.fail(ctx, rec.ID, err)
		return err
	}
	return nil
}

// fetchSource resolves the record's locator back to bytes and verifies
// they are still the bytes the record was created from.
func (c *Coordinator) fetchSource(ctx context.Context, rec *model.ImageRecord) ([]byte, error) {
	if c.opts.Fetch == nil {
		return nil, errNoFetcher
	}

	var raw []byte
	operation := func() error {
		var err error
		raw, err = c.opts.Fetch(ctx, rec.Locator)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.opts.RetryBudget

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("fetch source %q: %w", rec.Locator, err)
	}

	if fp := fingerprint.Sum(raw); fp != rec.Fingerprint {
		return nil, fmt.Errorf("source bytes changed: fingerprint %s, record %s",
			fp.Short(), rec.Fingerprint.Short())
	}
	return raw, nil
}
