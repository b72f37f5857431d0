// Package email implements the provider Adapter for IMAP/SMTP mailboxes.
//
// Message references are RFC 5322 Message-IDs with angle brackets; the
// thread reference is the Message-ID of the thread root. Replies go out over
// SMTP with In-Reply-To and References set. Side effects run over IMAP:
// mark-read sets \Seen, the label is an IMAP keyword, archive moves the
// message from the inbox mailbox to the archive mailbox.
package email

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/iworkr/aiva.io-sub003/internal/config"
	"github.com/iworkr/aiva.io-sub003/internal/logging"
	"github.com/iworkr/aiva.io-sub003/internal/provider"
)

// defaultKeyword is the IMAP keyword used when no label name is configured.
const defaultKeyword = "Handled"

// ErrMessageNotFound is returned when the referenced message is not in the
// expected mailbox.
var ErrMessageNotFound = errors.New("email: message not found")

// mailbox abstracts the go-imap client methods we use, enabling test mocks.
type mailbox interface {
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	UidMove(seqset *imap.SeqSet, dest string) error
	Logout() error
}

type account struct {
	conn   config.EmailConnection
	tokens oauth2.TokenSource // nil for password auth
}

// Adapter implements provider.Adapter for email.
type Adapter struct {
	mu       sync.RWMutex
	accounts map[string]*account
	dialIMAP func(ctx context.Context, acct *account) (mailbox, error)
	sendMail func(ctx context.Context, acct *account, from string, to []string, msg []byte) error
	now      func() time.Time
	log      *zap.Logger
}

// AdapterOpts holds parameters for creating an email Adapter.
type AdapterOpts struct {
	Connections []config.EmailConnection
	Logger      *zap.Logger
}

// New creates an email Adapter. Connections with OAuth settings
// authenticate with XOAUTH2 using a refreshing token source.
func New(opts AdapterOpts) (*Adapter, error) {
	a := &Adapter{
		accounts: make(map[string]*account, len(opts.Connections)),
		dialIMAP: dialIMAP,
		sendMail: sendSMTP,
		now:      time.Now,
		log:      logging.OrNop(opts.Logger).Named("email"),
	}
	for _, c := range opts.Connections {
		if c.Address == "" || c.SMTPHost == "" || c.IMAPHost == "" {
			return nil, fmt.Errorf("email: connection %q: address, smtp_host and imap_host are required", c.ID)
		}
		acct := &account{conn: c}
		if acct.conn.Username == "" {
			acct.conn.Username = c.Address
		}
		if c.OAuth != nil {
			acct.tokens = oauth2.ReuseTokenSource(nil, tokenSource(acct))
		}
		a.accounts[c.ID] = acct
	}
	return a, nil
}

// Provider returns "email".
func (a *Adapter) Provider() string { return provider.Email }

func (a *Adapter) account(connectionID string) (*account, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acct, ok := a.accounts[connectionID]
	if !ok {
		return nil, provider.NewError(provider.Email, "resolve", provider.Permanent,
			fmt.Errorf("unknown connection %q", connectionID))
	}
	return acct, nil
}

// SendReply sends body as a threaded reply. The returned id is the new
// message's Message-ID.
func (a *Adapter) SendReply(ctx context.Context, connectionID string, th provider.Threading, body string) (provider.SendResult, error) {
	acct, err := a.account(connectionID)
	if err != nil {
		return provider.SendResult{}, err
	}
	r, err := buildReply(acct.conn.Address, th, body, a.now())
	if err != nil {
		return provider.SendResult{}, provider.NewError(provider.Email, "send", provider.Permanent, err)
	}
	if err := a.sendMail(ctx, acct, acct.conn.Address, r.Recipients, r.Raw); err != nil {
		return provider.SendResult{}, classify("send", err)
	}
	return provider.SendResult{ProviderMessageID: r.MessageID}, nil
}

// MarkHandled applies \Seen, the keyword label and the archive move, in
// that order, to the message in the inbox mailbox.
func (a *Adapter) MarkHandled(ctx context.Context, connectionID string, ref provider.MessageRef, opts provider.HandleOptions) (provider.HandleResult, error) {
	var res provider.HandleResult
	if !opts.Any() {
		return res, nil
	}
	acct, err := a.account(connectionID)
	if err != nil {
		return res, err
	}
	mb, err := a.dialIMAP(ctx, acct)
	if err != nil {
		return res, classify("connect", err)
	}
	defer mb.Logout()

	uids, err := find(mb, acct.conn.InboxMailbox, ref.MessageID)
	if err != nil {
		return res, classify("search", err)
	}

	var errs []error
	if opts.MarkRead {
		if err := addFlags(mb, uids, imap.SeenFlag); err != nil {
			errs = append(errs, classify("mark_read", err))
		} else {
			res.MarkedRead = true
		}
	}
	if opts.ApplyLabel {
		if err := addFlags(mb, uids, keyword(opts.Label)); err != nil {
			errs = append(errs, classify("label", err))
		} else {
			res.Labeled = true
		}
	}
	if opts.Archive {
		if err := mb.UidMove(uids, acct.conn.ArchiveMailbox); err != nil {
			errs = append(errs, classify("archive", err))
		} else {
			res.Archived = true
		}
	}
	return res, errors.Join(errs...)
}

// Restore moves the message back to the inbox, then removes the keyword.
func (a *Adapter) Restore(ctx context.Context, connectionID string, ref provider.MessageRef, opts provider.HandleOptions) error {
	if !opts.Archive && !opts.ApplyLabel {
		return nil
	}
	acct, err := a.account(connectionID)
	if err != nil {
		return err
	}
	mb, err := a.dialIMAP(ctx, acct)
	if err != nil {
		return classify("connect", err)
	}
	defer mb.Logout()

	if opts.Archive {
		uids, err := find(mb, acct.conn.ArchiveMailbox, ref.MessageID)
		switch {
		case errors.Is(err, ErrMessageNotFound):
			a.log.Debug("restore: message not in archive", zap.String("message_id", ref.MessageID))
		case err != nil:
			return classify("unarchive", err)
		default:
			if err := mb.UidMove(uids, acct.conn.InboxMailbox); err != nil {
				return classify("unarchive", err)
			}
		}
	}
	if opts.ApplyLabel {
		uids, err := find(mb, acct.conn.InboxMailbox, ref.MessageID)
		if err != nil {
			return classify("unlabel", err)
		}
		item := imap.FormatFlagsOp(imap.RemoveFlags, true)
		if err := mb.UidStore(uids, item, []interface{}{keyword(opts.Label)}, nil); err != nil {
			return classify("unlabel", err)
		}
	}
	return nil
}

// find selects name and returns the UIDs of messages with messageID.
func find(mb mailbox, name, messageID string) (*imap.SeqSet, error) {
	id := bracket(messageID)
	if id == "" {
		return nil, fmt.Errorf("%w: empty message id", ErrMessageNotFound)
	}
	if _, err := mb.Select(name, false); err != nil {
		return nil, fmt.Errorf("select %s: %w", name, err)
	}
	criteria := imap.NewSearchCriteria()
	criteria.Header = textproto.MIMEHeader{"Message-Id": {id}}
	uids, err := mb.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", name, err)
	}
	if len(uids) == 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrMessageNotFound, id, name)
	}
	set := new(imap.SeqSet)
	set.AddNum(uids...)
	return set, nil
}

func addFlags(mb mailbox, uids *imap.SeqSet, flag string) error {
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	return mb.UidStore(uids, item, []interface{}{flag}, nil)
}

// keyword turns a label name into an IMAP keyword atom.
func keyword(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return defaultKeyword
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r <= ' ' || r >= 0x7f:
			return '_'
		case strings.ContainsRune(`(){%*"\]`, r):
			return '_'
		}
		return r
	}, label)
}

// classify wraps err as a provider.Error. Credential failures and SMTP 5xx
// replies are permanent.
func classify(op string, err error) error {
	kind := provider.Transient
	var tpe *textproto.Error
	switch {
	case errors.Is(err, errAuth):
		kind = provider.Permanent
	case errors.As(err, &tpe) && tpe.Code >= 500:
		kind = provider.Permanent
	}
	return provider.NewError(provider.Email, op, kind, err)
}
