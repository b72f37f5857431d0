package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/iworkr/aiva.io-sub003/internal/provider"
)

// reply is a rendered outbound message.
type reply struct {
	MessageID  string // with angle brackets
	Recipients []string
	Raw        []byte
}

// buildReply renders a plain-text reply that threads under th. th.MessageID
// becomes In-Reply-To; th.ThreadID (the root) and th.MessageID form
// References.
func buildReply(from string, th provider.Threading, body string, now time.Time) (*reply, error) {
	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("email: parse sender %q: %w", from, err)
	}
	if th.Recipient == "" {
		return nil, fmt.Errorf("email: reply has no recipient")
	}
	toAddrs, err := mail.ParseAddressList(th.Recipient)
	if err != nil {
		return nil, fmt.Errorf("email: parse recipient %q: %w", th.Recipient, err)
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{fromAddr})
	h.SetAddressList("To", toAddrs)
	h.SetSubject(replySubject(th.Subject))

	id := uuid.NewString() + "@" + domainOf(fromAddr.Address)
	h.SetMessageID(id)
	if parent := unbracket(th.MessageID); parent != "" {
		h.SetMsgIDList("In-Reply-To", []string{parent})
	}
	if refs := references(th); len(refs) > 0 {
		h.SetMsgIDList("References", refs)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("email: create writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("email: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("email: close writer: %w", err)
	}

	rcpts := make([]string, 0, len(toAddrs))
	for _, a := range toAddrs {
		rcpts = append(rcpts, a.Address)
	}
	return &reply{MessageID: bracket(id), Recipients: rcpts, Raw: buf.Bytes()}, nil
}

func references(th provider.Threading) []string {
	var refs []string
	if root := unbracket(th.ThreadID); root != "" {
		refs = append(refs, root)
	}
	if parent := unbracket(th.MessageID); parent != "" && (len(refs) == 0 || refs[0] != parent) {
		refs = append(refs, parent)
	}
	return refs
}

func replySubject(subject string) string {
	s := strings.TrimSpace(subject)
	if len(s) >= 3 && strings.EqualFold(s[:3], "re:") {
		return s
	}
	if s == "" {
		return "Re:"
	}
	return "Re: " + s
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}

func unbracket(id string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
}

func bracket(id string) string {
	id = unbracket(id)
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}
