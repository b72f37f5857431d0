package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-imap/client"
	"golang.org/x/oauth2"
)

const (
	dialTimeout   = 15 * time.Second
	plainIMAPPort = 143
	smtpsPort     = 465
)

// errAuth marks credential failures. They are permanent.
var errAuth = errors.New("authentication failed")

// dialIMAP connects and logs in. Port 143 upgrades with STARTTLS when the
// server offers it; every other port uses implicit TLS.
func dialIMAP(ctx context.Context, acct *account) (mailbox, error) {
	host := acct.conn.IMAPHost
	addr := net.JoinHostPort(host, strconv.Itoa(acct.conn.IMAPPort))
	tlsConfig := &tls.Config{ServerName: host}
	d := &net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	var err error
	if acct.conn.IMAPPort == plainIMAPPort {
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = (&tls.Dialer{NetDialer: d, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", addr, err)
	}
	c, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("imap greeting: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		c.Timeout = time.Until(dl)
	}
	if acct.conn.IMAPPort == plainIMAPPort {
		if ok, _ := c.SupportStartTLS(); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				c.Logout()
				return nil, fmt.Errorf("imap starttls: %w", err)
			}
		}
	}

	if acct.tokens != nil {
		tok, err := accessToken(acct.tokens)
		if err != nil {
			c.Logout()
			return nil, err
		}
		if err := c.Authenticate(&xoauth2Client{username: acct.conn.Username, token: tok}); err != nil {
			c.Logout()
			return nil, fmt.Errorf("%w: imap xoauth2: %v", errAuth, err)
		}
		return c, nil
	}
	if err := c.Login(acct.conn.Username, acct.conn.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("%w: imap login: %v", errAuth, err)
	}
	return c, nil
}

// sendSMTP delivers msg. Port 465 uses implicit TLS; other ports upgrade
// with STARTTLS when offered.
func sendSMTP(ctx context.Context, acct *account, from string, to []string, msg []byte) error {
	host := acct.conn.SMTPHost
	addr := net.JoinHostPort(host, strconv.Itoa(acct.conn.SMTPPort))
	tlsConfig := &tls.Config{ServerName: host}
	d := &net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	var err error
	if acct.conn.SMTPPort == smtpsPort {
		conn, err = (&tls.Dialer{NetDialer: d, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer c.Close()

	if acct.conn.SMTPPort != smtpsPort {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	var auth smtp.Auth
	if acct.tokens != nil {
		tok, err := accessToken(acct.tokens)
		if err != nil {
			return err
		}
		auth = &xoauth2SMTP{username: acct.conn.Username, token: tok}
	} else if acct.conn.Password != "" {
		auth = smtp.PlainAuth("", acct.conn.Username, acct.conn.Password, host)
	}
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	// The message is accepted once DATA closes.
	_ = c.Quit()
	return nil
}

// tokenSource refreshes access tokens from the configured refresh token.
func tokenSource(acct *account) oauth2.TokenSource {
	o := acct.conn.OAuth
	cfg := &oauth2.Config{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: o.TokenURL},
		Scopes:       o.Scopes,
	}
	return cfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: o.RefreshToken})
}

func accessToken(ts oauth2.TokenSource) (string, error) {
	tok, err := ts.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return "", fmt.Errorf("%w: refresh token: %v", errAuth, err)
		}
		return "", fmt.Errorf("refresh token: %w", err)
	}
	return tok.AccessToken, nil
}

// xoauth2Client implements the SASL XOAUTH2 mechanism for IMAP.
type xoauth2Client struct {
	username, token string
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	return "XOAUTH2", xoauth2Response(c.username, c.token), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// A challenge carries a JSON error; the empty reply ends the exchange.
	return []byte{}, nil
}

// xoauth2SMTP implements smtp.Auth for XOAUTH2.
type xoauth2SMTP struct {
	username, token string
}

func (a *xoauth2SMTP) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, errors.New("xoauth2 requires an encrypted connection")
	}
	return "XOAUTH2", xoauth2Response(a.username, a.token), nil
}

func (a *xoauth2SMTP) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		return []byte{}, nil
	}
	return nil, nil
}

func xoauth2Response(username, token string) []byte {
	return []byte("user=" + username + "\x01auth=Bearer " + token + "\x01\x01")
}
