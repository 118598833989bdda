// Package imapx implements the engine-facing mail transport over IMAP.
package imapx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/runsascoded/eml/internal/model"
	"github.com/runsascoded/eml/internal/transport"
)

// Client is a logged-in IMAP session implementing transport.Transport.
// Epochs map to UIDVALIDITY and sequence numbers to UIDs, so a message's
// number is stable for the lifetime of an epoch.
type Client struct {
	account    string
	client     *imapclient.Client
	selected   string
	selectData *imap.SelectData
}

// Dial connects to the account's IMAP server and authenticates. TLS is
// used on port 993, STARTTLS otherwise. Authentication failures come back
// as *transport.AuthError so callers can abort before any per-message
// work.
func Dial(_ context.Context, acct model.Account) (*Client, error) {
	addr := net.JoinHostPort(acct.Host, strconv.Itoa(acct.Port))

	var cli *imapclient.Client
	var err error
	if acct.Port == 993 {
		cli, err = imapclient.DialTLS(addr, nil)
	} else {
		cli, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, &transport.Error{
			Op:        "dial " + addr,
			Transient: true,
			Err:       err,
		}
	}

	if err := cli.Login(acct.Principal, acct.Password).Wait(); err != nil {
		_ = cli.Logout().Wait()
		return nil, &transport.AuthError{
			Account: acct.Name,
			Message: err.Error(),
		}
	}

	return &Client{account: acct.Name, client: cli}, nil
}

// Close logs out and drops the connection.
func (c *Client) Close() error {
	return c.client.Logout().Wait()
}

// ListFolders enumerates all selectable mailboxes.
func (c *Client) ListFolders(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	boxes, err := c.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, classify("listing folders", err)
	}

	names := make([]string, 0, len(boxes))
	for _, mb := range boxes {
		names = append(names, model.NormalizeFolder(mb.Mailbox))
	}
	sort.Strings(names)
	return names, nil
}

// FolderEpoch selects the folder read-only and returns its UIDVALIDITY.
func (c *Client) FolderEpoch(ctx context.Context, folder string) (string, error) {
	data, err := c.selectFolder(ctx, folder)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(data.UIDValidity), 10), nil
}

// ListSequenceNumbers returns every UID currently in the folder,
// ascending.
func (c *Client) ListSequenceNumbers(ctx context.Context, folder string) ([]uint32, error) {
	if _, err := c.selectFolder(ctx, folder); err != nil {
		return nil, err
	}

	data, err := c.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, classify("searching "+folder, err)
	}

	uids := data.AllUIDs()
	out := make([]uint32, len(uids))
	for i, u := range uids {
		out[i] = uint32(u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Fetch retrieves one message's full raw bytes without setting \Seen.
func (c *Client) Fetch(ctx context.Context, folder string, seq uint32) ([]byte, error) {
	if _, err := c.selectFolder(ctx, folder); err != nil {
		return nil, err
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := c.client.Fetch(imap.UIDSetNum(imap.UID(seq)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, &transport.Error{
			Op:        fmt.Sprintf("fetch %s uid %d", folder, seq),
			Transient: false,
			Err:       fmt.Errorf("no such message"),
		}
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, classify(fmt.Sprintf("fetch %s uid %d", folder, seq), err)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, classify(fmt.Sprintf("fetch %s uid %d", folder, seq), err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, &transport.Error{
			Op:        fmt.Sprintf("fetch %s uid %d", folder, seq),
			Transient: false,
			Err:       fmt.Errorf("server returned no body section"),
		}
	}
	return raw, nil
}

// Append delivers a message into the folder, preserving ts as the
// message's internal date rather than the delivery time.
func (c *Client) Append(ctx context.Context, folder string, raw []byte, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := &imap.AppendOptions{}
	if !ts.IsZero() {
		opts.Time = ts
	}

	cmd := c.client.Append(folder, int64(len(raw)), opts)
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return classify("append to "+folder, err)
	}
	if err := cmd.Close(); err != nil {
		return classify("append to "+folder, err)
	}
	if _, err := cmd.Wait(); err != nil {
		return classify("append to "+folder, err)
	}
	return nil
}

func (c *Client) selectFolder(ctx context.Context, folder string) (*imap.SelectData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.selected == folder && c.selectData != nil {
		return c.selectData, nil
	}

	data, err := c.client.Select(folder, &imap.SelectOptions{ReadOnly: false}).Wait()
	if err != nil {
		return nil, classify("selecting "+folder, err)
	}
	c.selected = folder
	c.selectData = data
	return data, nil
}

// classify maps wire errors onto the transport's transient/permanent
// split. Network-level failures are worth retrying; protocol rejections
// are not.
func classify(op string, err error) error {
	var netErr net.Error
	transient := errors.As(err, &netErr)
	return &transport.Error{Op: op, Transient: transient, Err: err}
}
