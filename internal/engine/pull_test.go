package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runsascoded/eml/internal/dedup"
	"github.com/runsascoded/eml/internal/syncstate"
	"github.com/runsascoded/eml/internal/transport"
)

func newPullFixture(t *testing.T) (*fakeTransport, *Puller, *syncstate.Store, *pullLayout) {
	t.Helper()
	tr := newFakeTransport()
	l := newTestLayout(t)
	st := newTestState(t)
	idx := dedup.NewIndex(l, dedup.Options{})
	p := NewPuller(testAccount(), tr, l, idx, st, nil)
	return tr, p, st, &pullLayout{l}
}

// pullLayout wraps the layout with test conveniences.
type pullLayout struct {
	layout interface {
		Count(ctx context.Context) (int, error)
		ContainsIdentifier(ctx context.Context, id string) (bool, error)
	}
}

func (pl *pullLayout) count(t *testing.T) int {
	t.Helper()
	n, err := pl.layout.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestPullIncrementalFromWatermark(t *testing.T) {
	ctx := context.Background()
	tr, p, st, l := newPullFixture(t)

	tr.epochs["INBOX"] = "E1"
	for seq := uint32(1); seq <= 120; seq++ {
		tr.add("INBOX", seq, rawMessage(fmt.Sprintf("m%d@example.com", seq), "hello"))
	}

	// Prior run processed up to 100.
	require.NoError(t, st.Checkpoint(ctx, syncstate.Cursor{
		Account: "g/alice", Folder: "INBOX", Epoch: "E1", HighWatermark: 100,
	}, nil, nil))

	// Two of the twenty new messages are already archived (seen via
	// another folder or a prior partial run).
	_, _, err := p.layout.InsertIfAbsent(ctx, msgFromRaw(tr.msgs["INBOX"][105], "INBOX"))
	require.NoError(t, err)
	_, _, err = p.layout.InsertIfAbsent(ctx, msgFromRaw(tr.msgs["INBOX"][110], "INBOX"))
	require.NoError(t, err)

	summary, err := p.Run(ctx, PullOptions{Folder: "INBOX"})
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 20, New: 18, Skipped: 2, Failed: 0}, summary)
	assert.Equal(t, 20, tr.fetches, "only messages above the watermark are fetched")
	assert.Equal(t, 20, l.count(t))

	cursor, found, err := st.Cursor(ctx, "g/alice", "INBOX")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "E1", cursor.Epoch)
	assert.Equal(t, uint32(120), cursor.HighWatermark)
}

func TestPullRerunFetchesNothing(t *testing.T) {
	ctx := context.Background()
	tr, p, _, _ := newPullFixture(t)

	tr.epochs["INBOX"] = "E1"
	for seq := uint32(1); seq <= 10; seq++ {
		tr.add("INBOX", seq, rawMessage(fmt.Sprintf("m%d@example.com", seq), "x"))
	}

	_, err := p.Run(ctx, PullOptions{Folder: "INBOX"})
	require.NoError(t, err)
	fetched := tr.fetches

	summary, err := p.Run(ctx, PullOptions{Folder: "INBOX"})
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
	assert.Equal(t, fetched, tr.fetches, "second run must not re-fetch")
}

func TestPullEpochMismatchResyncs(t *testing.T) {
	ctx := context.Background()
	tr, p, st, _ := newPullFixture(t)

	tr.epochs["INBOX"] = "E2"
	for seq := uint32(1); seq <= 5; seq++ {
		tr.add("INBOX", seq, rawMessage(fmt.Sprintf("r%d@example.com", seq), "x"))
	}

	// Stale cursor from the folder's previous incarnation.
	require.NoError(t, st.Checkpoint(ctx, syncstate.Cursor{
		Account: "g/alice", Folder: "INBOX", Epoch: "E1", HighWatermark: 100,
	}, []syncstate.Failure{{Seq: 42, Error: "old", RetryEligible: true}}, nil))

	summary, err := p.Run(ctx, PullOptions{Folder: "INBOX"})
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 5, summary.New)

	cursor, _, err := st.Cursor(ctx, "g/alice", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, "E2", cursor.Epoch)
	assert.Equal(t, uint32(5), cursor.HighWatermark)

	// The old incarnation's retry backlog is gone.
	pending, err := st.PendingRetry(ctx, "g/alice", "INBOX")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPullEpochResetSkipsArchivedContent(t *testing.T) {
	ctx := context.Background()
	tr, p, _, l := newPullFixture(t)

	tr.epochs["INBOX"] = "E1"
	for seq := uint32(1); seq <= 5; seq++ {
		tr.add("INBOX", seq, rawMessage(fmt.Sprintf("s%d@example.com", seq), "x"))
	}
	_, err := p.Run(ctx, PullOptions{Folder: "INBOX"})
	require.NoError(t, err)

	// The folder is recreated: new epoch, renumbered messages, same
	// content plus one genuinely new message.
	tr.epochs["INBOX"] = "E2"
	tr.msgs["INBOX"] = map[uint32][]byte{}
	for seq := uint32(1); seq <= 5; seq++ {
		tr.add("INBOX", 500+seq, rawMessage(fmt.Sprintf("s%d@example.com", seq), "x"))
	}
	tr.add("INBOX", 506, rawMessage("new@example.com", "x"))

	summary, err := p.Run(ctx, PullOptions{Folder: "INBOX"})
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 6, New: 1, Skipped: 5}, summary,
		"re-fetched content dedups instead of duplicating")
	assert.Equal(t, 6, l.count(t))
}

func TestPullTransientFailureRecordedAndSkipped(t *testing.T) {
	ctx := context.Background()
	tr, p, st, l := newPullFixture(t)

	tr.epochs["INBOX"] = "E1"
	for seq := uint32(1); seq <= 5; seq++ {
		tr.add("INBOX", seq, rawMessage(fmt.Sprintf("t%d@example.com", seq), "x"))
	}
	tr.fetchErr[3] = &transport.Error{Op: "fetch", Transient: true, Err: fmt.Errorf("timeout")}

	summary, err := p.Run(ctx, PullOptions{Folder: "INBOX"})
	require.NoError(t, err, "a per-message failure must not fail the run")
	assert.Equal(t, Summary{Total: 5, New: 4, Skipped: 0, Failed: 1}, summary)
	assert.Equal(t, 4, l.count(t))

	// The watermark advances past the failure; the retry set owns the gap.
	cursor, _, err := st.Cursor(ctx, "g/alice", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), cursor.HighWatermark)

	pending, err := st.PendingRetry(ctx, "g/alice", "INBOX")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint32(3), pending[0].Seq)
}

func TestPullRetryPassResolvesFailures(t *testing.T) {
	ctx := context.Background()
	tr, p, st, l := newPullFixture(t)

	tr.epochs["INBOX"] = "E1"
	for seq := uint32(1); seq <= 5; seq++ {
		tr.add("INBOX", seq, rawMessage(fmt.Sprintf("t%d@example.com", seq), "x"))
	}
	tr.fetchErr[3] = &transport.Error{Op: "fetch", Transient: true, Err: fmt.Errorf("timeout")}

	_, err := p.Run(ctx, PullOptions{Folder: "INBOX"})
	require.NoError(t, err)

	// The remote recovered.
	delete(tr.fetchErr, 3)

	summary, err := p.Run(ctx, PullOptions{Folder: "INBOX", Retry: true})
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 1, New: 1, Skipped: 0, Failed: 0}, summary)
	assert.Equal(t, 5, l.count(t))

	pending, err := st.PendingRetry(ctx, "g/alice", "INBOX")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The watermark was not disturbed by the retry pass.
	cursor, _, err := st.Cursor(ctx, "g/alice", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), cursor.HighWatermark)
}

func TestPullRetryPassKeepsStillFailingEntries(t *testing.T) {
	ctx := context.Background()
	tr, p, st, _ := newPullFixture(t)

	tr.epochs["INBOX"] = "E1"
	for seq := uint32(1); seq <= 3; seq++ {
		tr.add("INBOX", seq, rawMessage(fmt.Sprintf("k%d@example.com", seq), "x"))
	}
	tr.fetchErr[2] = &transport.Error{Op: "fetch", Transient: true, Err: fmt.Errorf("timeout")}

	_, err := p.Run(ctx, PullOptions{Folder: "INBOX"})
	require.NoError(t, err)

	// Still broken on retry: the entry must stay pending.
	summary, err := p.Run(ctx, PullOptions{Folder: "INBOX", Retry: true})
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 1, Failed: 1}, summary)

	pending, err := st.PendingRetry(ctx, "g/alice", "INBOX")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint32(2), pending[0].Seq)
}

func TestPullLimitCheckpointsPartialProgress(t *testing.T) {
	ctx := context.Background()
	tr, p, st, l := newPullFixture(t)

	tr.epochs["INBOX"] = "E1"
	for seq := uint32(1); seq <= 20; seq++ {
		tr.add("INBOX", seq, rawMessage(fmt.Sprintf("n%d@example.com", seq), "x"))
	}

	summary, err := p.Run(ctx, PullOptions{Folder: "INBOX", Limit: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, summary.Total)
	assert.Equal(t, 8, summary.New)
	assert.Equal(t, 8, l.count(t))

	cursor, _, err := st.Cursor(ctx, "g/alice", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(8), cursor.HighWatermark)

	// The next run picks up exactly where the limit stopped.
	summary, err = p.Run(ctx, PullOptions{Folder: "INBOX"})
	require.NoError(t, err)
	assert.Equal(t, 12, summary.Total)
	assert.Equal(t, 20, l.count(t))
}

func TestPullDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	tr, p, st, l := newPullFixture(t)

	tr.epochs["INBOX"] = "E1"
	for seq := uint32(1); seq <= 5; seq++ {
		tr.add("INBOX", seq, rawMessage(fmt.Sprintf("d%d@example.com", seq), "x"))
	}

	summary, err := p.Run(ctx, PullOptions{Folder: "INBOX", DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 5, New: 5}, summary)

	assert.Equal(t, 0, l.count(t), "dry run must not store messages")

	_, found, err := st.Cursor(ctx, "g/alice", "INBOX")
	require.NoError(t, err)
	assert.False(t, found, "dry run must not write a cursor")

	runs, err := st.RecentRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs, "dry run must not record run history")
}

func TestPullBatchCheckpointing(t *testing.T) {
	ctx := context.Background()
	tr, p, st, _ := newPullFixture(t)

	tr.epochs["INBOX"] = "E1"
	for seq := uint32(1); seq <= 7; seq++ {
		tr.add("INBOX", seq, rawMessage(fmt.Sprintf("b%d@example.com", seq), "x"))
	}

	// Observe the cursor from within the run via the progress hook: after
	// the first batch of 3 flushes, the stored watermark must cover it.
	var midRun []uint32
	_, err := p.Run(ctx, PullOptions{
		Folder:    "INBOX",
		BatchSize: 3,
		Progress: func(done, total int) {
			if done == 4 {
				c, _, err := st.Cursor(ctx, "g/alice", "INBOX")
				require.NoError(t, err)
				midRun = append(midRun, c.HighWatermark)
			}
		},
	})
	require.NoError(t, err)
	require.Len(t, midRun, 1)
	assert.GreaterOrEqual(t, midRun[0], uint32(3), "first batch must be durable before the fourth message")
}

func TestPullAuthErrorAborts(t *testing.T) {
	ctx := context.Background()
	tr, p, st, _ := newPullFixture(t)

	tr.epochs["INBOX"] = "E1"
	for seq := uint32(1); seq <= 3; seq++ {
		tr.add("INBOX", seq, rawMessage(fmt.Sprintf("a%d@example.com", seq), "x"))
	}
	tr.fetchErr[2] = &transport.AuthError{Account: "g/alice", Message: "session revoked"}

	_, err := p.Run(ctx, PullOptions{Folder: "INBOX"})
	require.Error(t, err)

	var authErr *transport.AuthError
	assert.ErrorAs(t, err, &authErr)

	// Progress before the abort is still checkpointed.
	cursor, found, err := st.Cursor(ctx, "g/alice", "INBOX")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint32(1), cursor.HighWatermark)

	runs, err := st.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, syncstate.RunFailed, runs[0].Status)
}

func TestPullConsecutiveErrorGuard(t *testing.T) {
	ctx := context.Background()
	tr, p, st, _ := newPullFixture(t)

	tr.epochs["INBOX"] = "E1"
	for seq := uint32(1); seq <= 10; seq++ {
		tr.add("INBOX", seq, rawMessage(fmt.Sprintf("e%d@example.com", seq), "x"))
		tr.fetchErr[seq] = &transport.Error{Op: "fetch", Transient: true, Err: fmt.Errorf("rate limited")}
	}

	summary, err := p.Run(ctx, PullOptions{Folder: "INBOX", MaxConsecutiveErrors: 3})
	require.NoError(t, err)
	assert.True(t, summary.Aborted)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 3, tr.fetches, "the guard must stop further fetches")

	runs, err := st.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, syncstate.RunAborted, runs[0].Status)
}

func TestPullCancellationCheckpoints(t *testing.T) {
	tr, p, st, _ := newPullFixture(t)

	tr.epochs["INBOX"] = "E1"
	for seq := uint32(1); seq <= 10; seq++ {
		tr.add("INBOX", seq, rawMessage(fmt.Sprintf("c%d@example.com", seq), "x"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	summary, err := p.Run(ctx, PullOptions{
		Folder: "INBOX",
		Progress: func(done, total int) {
			if done == 4 {
				cancel()
			}
		},
	})
	require.NoError(t, err)
	assert.True(t, summary.Aborted)
	assert.Equal(t, 4, summary.New)

	cursor, found, err := st.Cursor(context.Background(), "g/alice", "INBOX")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint32(4), cursor.HighWatermark, "cancelled run must checkpoint completed work")
}

func TestPullRecordsRunHistory(t *testing.T) {
	ctx := context.Background()
	tr, p, st, _ := newPullFixture(t)

	tr.epochs["INBOX"] = "E1"
	for seq := uint32(1); seq <= 4; seq++ {
		tr.add("INBOX", seq, rawMessage(fmt.Sprintf("h%d@example.com", seq), "x"))
	}

	_, err := p.Run(ctx, PullOptions{Folder: "INBOX"})
	require.NoError(t, err)

	runs, err := st.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	r := runs[0]
	assert.Equal(t, "pull", r.Operation)
	assert.Equal(t, "g/alice", r.Account)
	assert.Equal(t, "INBOX", r.Folder)
	assert.Equal(t, syncstate.RunCompleted, r.Status)
	assert.Equal(t, 4, r.Total)
	assert.Equal(t, 4, r.New)
	assert.True(t, r.EndedAt.Valid)
}
