package filter

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/utils"
)

// DefaultSnippetBytes is how much body text is kept for scoring
const DefaultSnippetBytes = 2000

var (
	htmlTag    = regexp.MustCompile(`(?s)<[^>]*>`)
	whitespace = regexp.MustCompile(`\s+`)
)

// ParseMessage reads an RFC 5322 message into the features the pipeline scores.
// The email ID is derived from the Message-ID and the user so redelivery is idempotent.
func ParseMessage(r io.Reader, userID string, snippetBytes int) (core.EmailFeatures, error) {
	if snippetBytes <= 0 {
		snippetBytes = DefaultSnippetBytes
	}

	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return core.EmailFeatures{}, fmt.Errorf("failed to parse message: %w", err)
	}

	h := mr.Header
	email := core.EmailFeatures{
		UserID:     userID,
		Unread:     true,
		ReceivedAt: time.Now().UTC(),
		Important:  isImportant(h),
	}

	if subject, err := h.Subject(); err == nil {
		email.Subject = subject
	} else {
		email.Subject = h.Get("Subject")
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		email.From = from[0].Address
	} else {
		email.From = strings.Trim(h.Get("From"), "<> ")
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		email.ReceivedAt = date.UTC()
	}

	msgID, _ := h.MessageID()
	if msgID == "" {
		msgID = uuid.NewString()
	}
	email.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(userID+"\x00"+msgID)).String()

	var plain, html strings.Builder
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			// Keep whatever was read before a malformed part.
			break
		}

		switch ph := p.Header.(type) {
		case *mail.AttachmentHeader:
			email.HasAttachment = true
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			switch ct {
			case "text/plain":
				appendPart(&plain, p.Body, snippetBytes)
			case "text/html":
				appendPart(&html, p.Body, snippetBytes)
			case "", "text/enriched":
				appendPart(&plain, p.Body, snippetBytes)
			default:
				if disp, _, _ := ph.ContentDisposition(); disp == "inline" && !strings.HasPrefix(ct, "text/") {
					email.HasAttachment = true
				}
			}
		}
	}

	body := plain.String()
	if strings.TrimSpace(body) == "" {
		body = htmlTag.ReplaceAllString(html.String(), " ")
	}
	body = strings.TrimSpace(whitespace.ReplaceAllString(body, " "))
	email.Snippet = utils.NewTextProcessor(nil).ProcessText(body, snippetBytes)
	return email, nil
}

func appendPart(b *strings.Builder, r io.Reader, limit int) {
	if b.Len() >= limit {
		return
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(limit-b.Len())))
	if err != nil && len(data) == 0 {
		return
	}
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	b.Write(data)
}

func isImportant(h mail.Header) bool {
	if strings.EqualFold(strings.TrimSpace(h.Get("Importance")), "high") {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(h.Get("Priority")), "urgent") {
		return true
	}
	prio := strings.TrimSpace(h.Get("X-Priority"))
	return strings.HasPrefix(prio, "1") || strings.HasPrefix(prio, "2")
}
