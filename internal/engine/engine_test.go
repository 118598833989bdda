package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runsascoded/eml/internal/layout"
	"github.com/runsascoded/eml/internal/model"
	"github.com/runsascoded/eml/internal/syncstate"
	"github.com/runsascoded/eml/internal/transport"
)

// fakeTransport is an in-memory remote: folders of sequence-numbered
// messages, with injectable per-seq fetch errors and append failures.
type fakeTransport struct {
	epochs map[string]string
	msgs   map[string]map[uint32][]byte

	fetchErr  map[uint32]error
	appendErr []error // consumed in order; nil entries succeed

	fetches  int
	appended []appended
}

type appended struct {
	folder string
	raw    []byte
	ts     time.Time
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		epochs:   map[string]string{},
		msgs:     map[string]map[uint32][]byte{},
		fetchErr: map[uint32]error{},
	}
}

func (f *fakeTransport) add(folder string, seq uint32, raw []byte) {
	if f.msgs[folder] == nil {
		f.msgs[folder] = map[uint32][]byte{}
	}
	f.msgs[folder][seq] = raw
}

func (f *fakeTransport) ListFolders(ctx context.Context) ([]string, error) {
	var out []string
	for folder := range f.epochs {
		out = append(out, folder)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeTransport) FolderEpoch(ctx context.Context, folder string) (string, error) {
	return f.epochs[folder], nil
}

func (f *fakeTransport) ListSequenceNumbers(ctx context.Context, folder string) ([]uint32, error) {
	var out []uint32
	for seq := range f.msgs[folder] {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *fakeTransport) Fetch(ctx context.Context, folder string, seq uint32) ([]byte, error) {
	f.fetches++
	if err, ok := f.fetchErr[seq]; ok {
		return nil, err
	}
	raw, ok := f.msgs[folder][seq]
	if !ok {
		return nil, &transport.Error{Op: "fetch", Transient: false, Err: fmt.Errorf("no such seq %d", seq)}
	}
	return raw, nil
}

func (f *fakeTransport) Append(ctx context.Context, folder string, raw []byte, ts time.Time) error {
	if len(f.appendErr) > 0 {
		err := f.appendErr[0]
		f.appendErr = f.appendErr[1:]
		if err != nil {
			return err
		}
	}
	f.appended = append(f.appended, appended{folder: folder, raw: raw, ts: ts})
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func rawMessage(id, subject string) []byte {
	return []byte(fmt.Sprintf(
		"Message-ID: <%s>\r\n"+
			"Date: Fri, 15 Mar 2024 09:30:45 +0000\r\n"+
			"From: alice@example.com\r\n"+
			"Subject: %s\r\n"+
			"\r\n"+
			"body of %s\r\n",
		id, subject, id,
	))
}

func msgFromRaw(raw []byte, folder string) model.Message {
	return model.ParseMetadata(raw, folder)
}

func testAccount() model.Account {
	return model.Account{Name: "g/alice", Host: "imap.example.com", Port: 993, Principal: "alice"}
}

func newTestLayout(t *testing.T) layout.Layout {
	t.Helper()
	l, err := layout.OpenBlock(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func newTestState(t *testing.T) *syncstate.Store {
	t.Helper()
	s, err := syncstate.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
