// Package engine drives remote-to-local and local-to-remote
// synchronization runs over the transport, layout, dedup, and sync state
// contracts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/runsascoded/eml/internal/account"
	"github.com/runsascoded/eml/internal/dedup"
	"github.com/runsascoded/eml/internal/layout"
	"github.com/runsascoded/eml/internal/model"
	"github.com/runsascoded/eml/internal/syncstate"
	"github.com/runsascoded/eml/internal/transport"
)

// Default tuning knobs.
const (
	DefaultBatchSize            = 50
	DefaultMaxConsecutiveErrors = 10
)

// PullOptions configure one pull run against a single (account, folder).
type PullOptions struct {
	// Folder is the remote mailbox to pull.
	Folder string

	// BatchSize is how many processed messages may pass between durable
	// checkpoints. A crash loses at most one batch of re-fetchable work.
	BatchSize int

	// Limit caps the number of messages processed this run; the cursor
	// checkpoints only up to the last processed sequence number so the
	// next run resumes seamlessly. Zero means no cap.
	Limit int

	// Retry restricts the run to the pending-retry set instead of
	// sequence numbers above the high watermark.
	Retry bool

	// DryRun lists and classifies without writing to storage, cursor,
	// or failure records.
	DryRun bool

	// Tags are attached to every message stored by this run.
	Tags []string

	// MaxConsecutiveErrors aborts the run when this many messages fail
	// back to back (rate-limit detection). Zero means the default.
	MaxConsecutiveErrors int

	// Progress, when set, is called after each processed message with
	// the count so far and the run total.
	Progress func(done, total int)
}

// Summary is what every run reports, success or not.
type Summary struct {
	Total   int
	New     int
	Skipped int
	Failed  int

	// Aborted is set when the run stopped early (cancellation or the
	// consecutive-error guard). The cursor stays at the last durable
	// checkpoint.
	Aborted bool
}

// Puller drives remote-to-local synchronization for one account.
type Puller struct {
	account   model.Account
	transport transport.Transport
	layout    layout.Layout
	dedup     *dedup.Index
	state     *syncstate.Store
	logger    *zap.Logger
}

// NewPuller wires a pull engine. Pass a nop logger to silence it.
func NewPuller(
	acct model.Account,
	tr transport.Transport,
	l layout.Layout,
	idx *dedup.Index,
	st *syncstate.Store,
	logger *zap.Logger,
) *Puller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Puller{
		account:   acct,
		transport: tr,
		layout:    l,
		dedup:     idx,
		state:     st,
		logger:    logger,
	}
}

// pullRun is the in-flight state of one run: the cursor being advanced
// and the unflushed failure/resolution deltas since the last checkpoint.
type pullRun struct {
	opts     PullOptions
	folder   string
	cursor   syncstate.Cursor
	runID    string
	summary  Summary
	failures []syncstate.Failure
	resolved []uint32
	pending  int // processed since last checkpoint
}

// Run executes the pull state machine: Resolving -> Listing -> Fetching
// -> Checkpointing -> Done/Failed. A per-message transient error records
// a failure and moves on; only account-level errors abort the run.
func (p *Puller) Run(ctx context.Context, opts PullOptions) (Summary, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	folder := model.NormalizeFolder(opts.Folder)

	log := p.logger.With(
		zap.String("account", p.account.Name),
		zap.String("folder", folder),
		zap.Bool("dryRun", opts.DryRun),
	)

	// Resolving.
	cursor, haveCursor, err := p.state.Cursor(ctx, p.account.Name, folder)
	if err != nil {
		return Summary{}, err
	}

	// Listing.
	epoch, err := p.transport.FolderEpoch(ctx, folder)
	if err != nil {
		return Summary{}, fmt.Errorf("listing %s: %w", folder, err)
	}
	if haveCursor && cursor.Epoch != epoch {
		// Remote folder reset. Expected, notable, not an error: discard
		// the cursor and resync from scratch.
		log.Info("remote folder epoch changed, full resync",
			zap.String("storedEpoch", cursor.Epoch),
			zap.String("remoteEpoch", epoch),
		)
		if !opts.DryRun {
			if err := p.state.ResetCursor(ctx, p.account.Name, folder); err != nil {
				return Summary{}, err
			}
		}
		cursor = syncstate.Cursor{Account: p.account.Name, Folder: folder}
	}
	cursor.Epoch = epoch

	seqs, err := p.fetchSet(ctx, folder, cursor, opts)
	if err != nil {
		return Summary{}, err
	}
	if opts.Limit > 0 && len(seqs) > opts.Limit {
		seqs = seqs[:opts.Limit]
	}

	run := &pullRun{opts: opts, folder: folder, cursor: cursor}
	run.summary.Total = len(seqs)

	if !opts.DryRun {
		run.runID, err = p.state.StartRun(ctx, "pull", p.account.Name, folder, len(seqs))
		if err != nil {
			return Summary{}, err
		}
	}
	log.Info("pull started",
		zap.String("epoch", epoch),
		zap.Uint32("highWatermark", cursor.HighWatermark),
		zap.Int("candidates", len(seqs)),
		zap.Bool("retryPass", opts.Retry),
	)

	err = p.fetchLoop(ctx, log, run, seqs)

	// Final checkpoint, unconditional: the cursor must never sit past
	// unflushed progress.
	if !opts.DryRun {
		if cpErr := p.checkpoint(context.WithoutCancel(ctx), run); cpErr != nil && err == nil {
			err = cpErr
		}
		status := syncstate.RunCompleted
		var errMsg string
		switch {
		case err != nil:
			status = syncstate.RunFailed
			errMsg = err.Error()
		case run.summary.Aborted:
			status = syncstate.RunAborted
		}
		finCtx := context.WithoutCancel(ctx)
		_ = p.state.UpdateRun(finCtx, run.runID, run.summary.New, run.summary.Skipped, run.summary.Failed)
		_ = p.state.FinishRun(finCtx, run.runID, status, errMsg)
	}

	log.Info("pull finished",
		zap.Int("total", run.summary.Total),
		zap.Int("new", run.summary.New),
		zap.Int("skipped", run.summary.Skipped),
		zap.Int("failed", run.summary.Failed),
		zap.Bool("aborted", run.summary.Aborted),
	)
	return run.summary, err
}

// fetchSet decides which sequence numbers this run targets: the
// pending-retry set for a retry pass, otherwise everything above the
// high watermark.
func (p *Puller) fetchSet(ctx context.Context, folder string, cursor syncstate.Cursor, opts PullOptions) ([]uint32, error) {
	if opts.Retry {
		pending, err := p.state.PendingRetry(ctx, p.account.Name, folder)
		if err != nil {
			return nil, err
		}
		seqs := make([]uint32, len(pending))
		for i, f := range pending {
			seqs[i] = f.Seq
		}
		return seqs, nil
	}

	all, err := p.transport.ListSequenceNumbers(ctx, folder)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", folder, err)
	}
	var seqs []uint32
	for _, s := range all {
		if s > cursor.HighWatermark {
			seqs = append(seqs, s)
		}
	}
	return seqs, nil
}

func (p *Puller) fetchLoop(ctx context.Context, log *zap.Logger, run *pullRun, seqs []uint32) error {
	consecutive := 0

	for i, seq := range seqs {
		// Cancellation is observed between messages, never mid
		// fetch-and-store, so the final checkpoint stays consistent.
		if ctx.Err() != nil {
			run.summary.Aborted = true
			log.Warn("pull cancelled", zap.Uint32("atSeq", seq))
			return nil
		}

		failed, err := p.processMessage(ctx, log, run, seq)
		if err != nil {
			// Account-level failure: abort; cursor stays at the last
			// durable checkpoint.
			return err
		}
		if run.opts.Progress != nil {
			run.opts.Progress(i+1, len(seqs))
		}
		if failed {
			consecutive++
			if consecutive >= run.opts.MaxConsecutiveErrors {
				run.summary.Aborted = true
				log.Warn("aborting after consecutive failures",
					zap.Int("consecutive", consecutive),
				)
				return nil
			}
		} else {
			consecutive = 0
		}

		run.pending++
		if !run.opts.DryRun && run.pending >= run.opts.BatchSize {
			if err := p.checkpoint(ctx, run); err != nil {
				return err
			}
		}
	}
	return nil
}

// processMessage fetches, classifies, and stores one message, advancing
// the in-memory cursor. The returned bool reports a per-message failure;
// the returned error is reserved for run-fatal conditions.
func (p *Puller) processMessage(ctx context.Context, log *zap.Logger, run *pullRun, seq uint32) (bool, error) {
	raw, err := p.transport.Fetch(ctx, run.folder, seq)
	if err != nil {
		var authErr *transport.AuthError
		var cfgErr *account.ConfigError
		if errors.As(err, &authErr) || errors.As(err, &cfgErr) {
			return false, err
		}
		p.recordFailure(ctx, run, seq, err)
		log.Warn("fetch failed",
			zap.Uint32("seq", seq),
			zap.Bool("transient", transport.IsTransient(err)),
			zap.Error(err),
		)
		return true, nil
	}

	msg := model.ParseMetadata(raw, run.folder)
	msg.SeqNum = seq
	msg.Tags = run.opts.Tags

	verdict, digest, err := p.dedup.Decide(ctx, msg.Identifier, raw)
	if err != nil {
		return false, fmt.Errorf("dedup seq %d: %w", seq, err)
	}

	var localPath string
	outcome := "skipped"
	switch verdict {
	case dedup.New:
		if run.opts.DryRun {
			run.summary.New++
			outcome = "new"
		} else {
			stored, _, err := p.layout.InsertIfAbsent(ctx, msg)
			if err != nil {
				var collision *layout.CollisionError
				if errors.As(err, &collision) {
					// Template design problem, not a flaky network:
					// fail the message without marking it retryable.
					run.summary.Failed++
					p.recordOutcome(ctx, run, seq, "failed", "", collision.Error())
					log.Error("layout collision",
						zap.Uint32("seq", seq),
						zap.String("path", collision.Path),
					)
					return true, nil
				}
				return false, fmt.Errorf("storing seq %d: %w", seq, err)
			}
			localPath = stored.Path
			run.summary.New++
			outcome = "new"
		}
	default:
		run.summary.Skipped++
	}

	run.advance(seq)
	if !run.opts.DryRun {
		p.recordOutcome(ctx, run, seq, outcome, localPath, "")
	}
	log.Debug("message processed",
		zap.Uint32("seq", seq),
		zap.String("verdict", verdict.String()),
		zap.String("digest", digest.Short(12)),
		zap.String("path", localPath),
	)
	return false, nil
}

func (p *Puller) recordFailure(ctx context.Context, run *pullRun, seq uint32, err error) {
	run.summary.Failed++
	if run.opts.DryRun {
		return
	}
	run.failures = append(run.failures, syncstate.Failure{
		Seq:           seq,
		Error:         err.Error(),
		RetryEligible: transport.IsTransient(err),
	})
	p.recordOutcome(ctx, run, seq, "failed", "", err.Error())
	// A failed fetch still advances the watermark: the pending-retry
	// set, not the cursor, owns the gap. On a retry pass the entry
	// stays pending instead, refreshed with the latest error.
	if !run.opts.Retry {
		run.advance(seq)
	}
}

func (p *Puller) recordOutcome(ctx context.Context, run *pullRun, seq uint32, outcome, localPath, errMsg string) {
	if run.runID == "" {
		return
	}
	_ = p.state.RecordMessage(ctx, run.runID, seq, outcome, localPath, errMsg)
}

func (p *Puller) checkpoint(ctx context.Context, run *pullRun) error {
	if err := p.state.Checkpoint(ctx, run.cursor, run.failures, run.resolved); err != nil {
		return fmt.Errorf("checkpointing %s/%s: %w", run.cursor.Account, run.cursor.Folder, err)
	}
	run.failures = run.failures[:0]
	run.resolved = run.resolved[:0]
	run.pending = 0
	return nil
}

// advance moves the in-memory high watermark and, on a retry pass, marks
// the sequence number resolved.
func (r *pullRun) advance(seq uint32) {
	if r.opts.Retry {
		r.resolved = append(r.resolved, seq)
		return
	}
	if seq > r.cursor.HighWatermark {
		r.cursor.HighWatermark = seq
	}
}

// honorDelay sleeps for d unless the context ends first.
func honorDelay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
