package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/runsascoded/eml/internal/archive"
	"github.com/runsascoded/eml/internal/layout"
	"github.com/runsascoded/eml/internal/model"
	"github.com/runsascoded/eml/internal/syncstate"
	"github.com/runsascoded/eml/internal/transport"
	"github.com/runsascoded/eml/internal/transport/imapx"
)

// session bundles everything a sync command needs against one account.
type session struct {
	archive   *archive.Archive
	account   model.Account
	transport transport.Transport
	layout    layout.Layout
	state     *syncstate.Store
}

// openSession opens the archive containing the working directory,
// resolves the account (credentials included), dials the transport, and
// opens layout and sync state.
func openSession(ctx context.Context, accountName string, logger *zap.Logger) (*session, error) {
	a, err := archive.Open(".")
	if err != nil {
		return nil, err
	}

	registry, err := a.Registry()
	if err != nil {
		return nil, err
	}
	acct, err := registry.Resolve(accountName)
	if err != nil {
		return nil, err
	}

	l, err := a.OpenLayout()
	if err != nil {
		return nil, err
	}

	st, err := a.OpenState()
	if err != nil {
		l.Close()
		return nil, err
	}

	tr, err := imapx.Dial(ctx, acct)
	if err != nil {
		st.Close()
		l.Close()
		return nil, err
	}

	logger.Debug("session opened",
		zap.String("archive", a.Root),
		zap.String("account", acct.Name),
		zap.String("host", acct.Host),
	)
	return &session{archive: a, account: acct, transport: tr, layout: l, state: st}, nil
}

func (s *session) close() {
	s.transport.Close()
	s.state.Close()
	s.layout.Close()
}

// signalContext returns a context cancelled by SIGINT/SIGTERM. Engines
// observe cancellation between messages, so a Ctrl-C still checkpoints.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newProgressBar builds the run progress bar written to stderr.
func newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer: "=", SaucerHead: ">", SaucerPadding: " ",
			BarStart: "[", BarEnd: "]",
		}),
	)
}
