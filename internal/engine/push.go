package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/runsascoded/eml/internal/layout"
	"github.com/runsascoded/eml/internal/model"
	"github.com/runsascoded/eml/internal/syncstate"
	"github.com/runsascoded/eml/internal/transport"
)

// PushOptions configure one push run toward a single destination account.
type PushOptions struct {
	// Folder is the destination mailbox. Empty means INBOX.
	Folder string

	// FilterFolder restricts the push to messages stored under one local
	// folder. Empty pushes everything.
	FilterFolder string

	// FilterTag restricts the push to messages carrying the tag.
	FilterTag string

	// Limit caps the number of deliveries this run. Zero means no cap.
	Limit int

	// DryRun reports what would be delivered without network writes or
	// manifest updates.
	DryRun bool

	// Delay inserts a pause between deliveries to stay under provider
	// rate limits.
	Delay time.Duration

	// MaxSize skips messages larger than this many bytes (providers
	// reject oversized appends). Zero means no size limit.
	MaxSize int64

	// Prune removes remote-manifest entries whose messages no longer
	// exist locally. Off by default; it is the only destructive mode.
	Prune bool

	// MaxConsecutiveErrors aborts the run when this many deliveries fail
	// back to back. Zero means the default.
	MaxConsecutiveErrors int

	// Progress, when set, is called as each delivery is attempted with
	// the count so far and the run total.
	Progress func(done, total int)
}

// PushSummary reports one push run.
type PushSummary struct {
	Total   int
	Pushed  int
	Skipped int
	Failed  int
	Pruned  int
	Aborted bool
}

// Pusher drives local-to-remote delivery for one destination account.
type Pusher struct {
	account   model.Account
	transport transport.Transport
	layout    layout.Layout
	manifest  *Manifest
	state     *syncstate.Store
	logger    *zap.Logger
}

// NewPusher wires a push engine. Pass a nop logger to silence it.
func NewPusher(
	acct model.Account,
	tr transport.Transport,
	l layout.Layout,
	m *Manifest,
	st *syncstate.Store,
	logger *zap.Logger,
) *Pusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pusher{
		account:   acct,
		transport: tr,
		layout:    l,
		manifest:  m,
		state:     st,
		logger:    logger,
	}
}

// candidate is one local message selected for delivery.
type candidate struct {
	key    string
	folder string
	raw    []byte
	date   time.Time
	size   int64
}

// DeliveryKey is how a stored message is identified in the push
// manifest: the declared identifier when present, the content digest
// otherwise.
func DeliveryKey(s layout.Stored) string {
	if s.Message.Identifier != "" {
		return s.Message.Identifier
	}
	return string(s.Digest)
}

// Run enumerates local storage, delivers everything not yet in the
// manifest, and flushes the manifest after every successful delivery so
// an interrupted run never re-delivers.
func (p *Pusher) Run(ctx context.Context, opts PushOptions) (PushSummary, error) {
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	dest := model.NormalizeFolder(opts.Folder)
	if dest == "" {
		dest = "INBOX"
	}

	log := p.logger.With(
		zap.String("account", p.account.Name),
		zap.String("destination", dest),
		zap.Bool("dryRun", opts.DryRun),
	)

	candidates, summary, err := p.collect(ctx, opts)
	if err != nil {
		return PushSummary{}, err
	}
	summary.Total = len(candidates)

	var runID string
	if !opts.DryRun {
		runID, err = p.state.StartRun(ctx, "push", p.account.Name, dest, len(candidates))
		if err != nil {
			return PushSummary{}, err
		}
	}
	log.Info("push started",
		zap.Int("candidates", len(candidates)),
		zap.Int("alreadyDelivered", p.manifest.Len()),
	)

	err = p.deliverLoop(ctx, log, dest, candidates, opts, &summary, runID)

	if err == nil && opts.Prune && !opts.DryRun {
		pruned, pruneErr := p.prune(ctx)
		summary.Pruned = pruned
		err = pruneErr
	}

	if !opts.DryRun {
		status := syncstate.RunCompleted
		var errMsg string
		switch {
		case err != nil:
			status = syncstate.RunFailed
			errMsg = err.Error()
		case summary.Aborted:
			status = syncstate.RunAborted
		}
		finCtx := context.WithoutCancel(ctx)
		_ = p.state.UpdateRun(finCtx, runID, summary.Pushed, summary.Skipped, summary.Failed)
		_ = p.state.FinishRun(finCtx, runID, status, errMsg)
	}

	log.Info("push finished",
		zap.Int("total", summary.Total),
		zap.Int("pushed", summary.Pushed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("pruned", summary.Pruned),
		zap.Bool("aborted", summary.Aborted),
	)
	return summary, err
}

// collect scans local storage and selects undelivered messages matching
// the filters. Already-delivered and oversized messages count as skipped.
func (p *Pusher) collect(ctx context.Context, opts PushOptions) ([]candidate, PushSummary, error) {
	var out []candidate
	var summary PushSummary

	err := p.layout.Enumerate(ctx, func(s layout.Stored) error {
		if opts.FilterFolder != "" && s.Message.Folder != model.NormalizeFolder(opts.FilterFolder) {
			return nil
		}
		if opts.FilterTag != "" && !hasTag(s.Message.Tags, opts.FilterTag) {
			return nil
		}

		key := DeliveryKey(s)
		if p.manifest.Contains(key) {
			summary.Skipped++
			return nil
		}
		size := int64(len(s.Message.Raw))
		if opts.MaxSize > 0 && size > opts.MaxSize {
			summary.Skipped++
			p.logger.Warn("skipping oversized message",
				zap.String("key", key),
				zap.Int64("size", size),
				zap.Int64("maxSize", opts.MaxSize),
			)
			return nil
		}

		out = append(out, candidate{
			key:    key,
			folder: s.Message.Folder,
			raw:    s.Message.Raw,
			date:   s.Message.Date,
			size:   size,
		})
		if opts.Limit > 0 && len(out) >= opts.Limit {
			return errEnoughCandidates
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnoughCandidates) {
		return nil, PushSummary{}, fmt.Errorf("enumerating local storage: %w", err)
	}
	return out, summary, nil
}

// errEnoughCandidates stops enumeration once the limit is reached.
var errEnoughCandidates = errors.New("push limit reached")

func (p *Pusher) deliverLoop(ctx context.Context, log *zap.Logger, dest string, candidates []candidate, opts PushOptions, summary *PushSummary, runID string) error {
	consecutive := 0

	for i, c := range candidates {
		if ctx.Err() != nil {
			summary.Aborted = true
			log.Warn("push cancelled", zap.Int("delivered", summary.Pushed))
			return nil
		}
		if i > 0 {
			if err := honorDelay(ctx, opts.Delay); err != nil {
				summary.Aborted = true
				return nil
			}
		}
		if opts.Progress != nil {
			opts.Progress(i+1, len(candidates))
		}

		if opts.DryRun {
			summary.Pushed++
			log.Info("would push", zap.String("key", c.key), zap.Int64("size", c.size))
			continue
		}

		err := p.transport.Append(ctx, dest, c.raw, c.date)
		if err != nil {
			var authErr *transport.AuthError
			if errors.As(err, &authErr) {
				return err
			}
			summary.Failed++
			consecutive++
			log.Warn("append failed",
				zap.String("key", c.key),
				zap.Bool("transient", transport.IsTransient(err)),
				zap.Error(err),
			)
			if consecutive >= opts.MaxConsecutiveErrors {
				summary.Aborted = true
				log.Warn("aborting after consecutive failures",
					zap.Int("consecutive", consecutive),
				)
				return nil
			}
			continue
		}
		consecutive = 0

		// Manifest before counter: losing the append record would mean a
		// duplicate delivery next run, which is the one thing this file
		// exists to prevent.
		if err := p.manifest.Add(c.key); err != nil {
			return fmt.Errorf("recording delivery %s: %w", c.key, err)
		}
		summary.Pushed++
		log.Debug("pushed", zap.String("key", c.key), zap.Int64("size", c.size))
	}
	return nil
}

// prune drops manifest entries whose messages no longer exist locally,
// so a future run can re-deliver replacements. It scans the whole store
// regardless of filters (a filtered view must never look like a
// deletion) and never touches the remote store.
func (p *Pusher) prune(ctx context.Context) (int, error) {
	present := map[string]struct{}{}
	err := p.layout.Enumerate(ctx, func(s layout.Stored) error {
		present[DeliveryKey(s)] = struct{}{}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("enumerating for prune: %w", err)
	}

	pruned := 0
	for _, key := range p.manifest.Keys() {
		if _, ok := present[key]; ok {
			continue
		}
		if err := p.manifest.Remove(key); err != nil {
			return pruned, err
		}
		pruned++
		p.logger.Info("pruned manifest entry", zap.String("key", key))
	}
	return pruned, nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
