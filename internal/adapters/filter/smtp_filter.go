package filter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// Scorer scores a single email
type Scorer interface {
	ScoreEmail(ctx context.Context, email core.EmailFeatures) (*core.ScoringResult, error)
}

// Inbox stores received emails as pending
type Inbox interface {
	InsertEmails(ctx context.Context, emails []core.EmailFeatures) (int, error)
}

// Options configures the SMTP ingest filter
type Options struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	Domain          string        `mapstructure:"domain"`
	RelayAddr       string        `mapstructure:"relay_addr"`
	RelayEnabled    bool          `mapstructure:"relay_enabled"`
	ScoreTimeout    time.Duration `mapstructure:"score_timeout"`
	RelayTimeout    time.Duration `mapstructure:"relay_timeout"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	MaxRecipients   int           `mapstructure:"max_recipients"`
	SnippetBytes    int           `mapstructure:"snippet_bytes"`
	ScoreHeader     string        `mapstructure:"score_header"`
	TierHeader      string        `mapstructure:"tier_header"`
	ModelHeader     string        `mapstructure:"model_header"`
	ReasonHeader    string        `mapstructure:"reason_header"`
}

const errorHeader = "X-Triage-Error"

func (o *Options) applyDefaults() {
	if o.ListenAddr == "" {
		o.ListenAddr = "127.0.0.1:10025"
	}
	if o.Domain == "" {
		o.Domain = "localhost"
	}
	if o.ScoreTimeout <= 0 {
		o.ScoreTimeout = 10 * time.Second
	}
	if o.RelayTimeout <= 0 {
		o.RelayTimeout = 30 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 30 * 1024 * 1024
	}
	if o.MaxRecipients <= 0 {
		o.MaxRecipients = 50
	}
	if o.SnippetBytes <= 0 {
		o.SnippetBytes = DefaultSnippetBytes
	}
	if o.ScoreHeader == "" {
		o.ScoreHeader = "X-Triage-Score"
	}
	if o.TierHeader == "" {
		o.TierHeader = "X-Triage-Tier"
	}
	if o.ModelHeader == "" {
		o.ModelHeader = "X-Triage-Model"
	}
	if o.ReasonHeader == "" {
		o.ReasonHeader = "X-Triage-Reason"
	}
}

// SMTPFilter receives mail over SMTP, scores it and relays it with triage headers
type SMTPFilter struct {
	scorer Scorer
	inbox  Inbox
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	server   *smtp.Server
	listener net.Listener
}

// NewSMTPFilter creates a new SMTP ingest filter. inbox may be nil.
func NewSMTPFilter(scorer Scorer, inbox Inbox, opts Options, logger *zap.Logger) *SMTPFilter {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPFilter{
		scorer: scorer,
		inbox:  inbox,
		opts:   opts,
		logger: logger,
	}
}

// Start listens on the configured address and serves in the background
func (f *SMTPFilter) Start() error {
	server := smtp.NewServer(&backend{filter: f})
	server.Domain = f.opts.Domain
	server.ReadTimeout = 30 * time.Second
	server.WriteTimeout = 30 * time.Second
	server.MaxMessageBytes = f.opts.MaxMessageBytes
	server.MaxRecipients = f.opts.MaxRecipients

	l, err := net.Listen("tcp", f.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", f.opts.ListenAddr, err)
	}

	f.mu.Lock()
	f.server = server
	f.listener = l
	f.mu.Unlock()

	f.logger.Info("SMTP filter starting",
		zap.String("address", l.Addr().String()),
		zap.Bool("relay_enabled", f.opts.RelayEnabled),
		zap.String("relay_addr", f.opts.RelayAddr))

	go func() {
		if err := server.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			f.logger.Error("SMTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound listen address, or "" before Start
func (f *SMTPFilter) Addr() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return ""
	}
	return f.listener.Addr().String()
}

// Stop closes the listener and all open sessions
func (f *SMTPFilter) Stop() error {
	f.mu.Lock()
	server := f.server
	f.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Close()
}

// Process stores, scores and annotates one raw message for the given user
func (f *SMTPFilter) Process(ctx context.Context, userID string, raw []byte) ([]byte, *core.ScoringResult, error) {
	email, err := ParseMessage(bytes.NewReader(raw), userID, f.opts.SnippetBytes)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.ScoreTimeout)
	defer cancel()

	if f.inbox != nil {
		if _, err := f.inbox.InsertEmails(ctx, []core.EmailFeatures{email}); err != nil {
			f.logger.Warn("Failed to store received email",
				zap.String("email_id", email.ID),
				zap.Error(err))
		}
	}

	result, scoreErr := f.scorer.ScoreEmail(ctx, email)
	if scoreErr != nil {
		f.logger.Error("Failed to score email",
			zap.String("email_id", email.ID),
			zap.String("from", email.From),
			zap.Error(scoreErr))
	}

	annotated, err := f.annotate(raw, result, scoreErr)
	if err != nil {
		return nil, nil, err
	}
	return annotated, result, nil
}

// annotate rewrites the header block and leaves the body untouched
func (f *SMTPFilter) annotate(raw []byte, result *core.ScoringResult, scoreErr error) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	th, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}

	// Drop headers a sender may have forged.
	for _, k := range []string{f.opts.ScoreHeader, f.opts.TierHeader, f.opts.ModelHeader, f.opts.ReasonHeader, errorHeader} {
		th.Del(k)
	}

	h := message.Header{Header: th}
	if scoreErr != nil || result == nil {
		msg := "scoring unavailable"
		if scoreErr != nil {
			msg = scoreErr.Error()
		}
		h.SetText(errorHeader, singleLine(msg))
	} else {
		h.Set(f.opts.ScoreHeader, strconv.Itoa(result.Score))
		h.Set(f.opts.TierHeader, string(result.TierUsed))
		h.Set(f.opts.ModelHeader, result.ModelIdentifier)
		if reason := singleLine(result.Reasoning); reason != "" {
			h.SetText(f.opts.ReasonHeader, reason)
		}
	}

	var out bytes.Buffer
	out.Grow(len(raw) + 256)
	if err := textproto.WriteHeader(&out, h.Header); err != nil {
		return nil, fmt.Errorf("failed to write message header: %w", err)
	}
	if _, err := io.Copy(&out, br); err != nil {
		return nil, fmt.Errorf("failed to copy message body: %w", err)
	}
	return out.Bytes(), nil
}

func singleLine(s string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}

// relay hands the message to the next hop
func (f *SMTPFilter) relay(from string, to []string, data []byte) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	conn, err := net.DialTimeout("tcp", f.opts.RelayAddr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	if err := conn.SetDeadline(time.Now().Add(f.opts.RelayTimeout)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set connection deadline: %w", err)
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(hostname); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}
	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}

	accepted := 0
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			f.logger.Warn("Relay rejected recipient",
				zap.String("recipient", rcpt),
				zap.Error(err))
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return errors.New("all recipients were rejected")
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return fmt.Errorf("failed to send message data: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := c.Quit(); err != nil {
		f.logger.Warn("QUIT command failed", zap.Error(err))
	}
	return nil
}

type backend struct {
	filter *SMTPFilter
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{filter: b.filter}, nil
}

type session struct {
	filter     *SMTPFilter
	from       string
	recipients []string
}

func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

func (s *session) Logout() error {
	return nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.recipients = append(s.recipients, to)
	return nil
}

// Data scores the message for its first recipient, whose mailbox owns the pending email
func (s *session) Data(r io.Reader) error {
	f := s.filter
	raw, err := io.ReadAll(r)
	if err != nil {
		f.logger.Error("Failed to read message data", zap.Error(err))
		return err
	}

	userID := strings.ToLower(strings.Trim(s.recipients[0], "<> "))
	annotated, result, err := f.Process(context.Background(), userID, raw)
	if err != nil {
		f.logger.Warn("Rejecting unparseable message",
			zap.String("from", s.from),
			zap.Error(err))
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message could not be parsed",
		}
	}

	if f.opts.RelayEnabled {
		if err := f.relay(s.from, s.recipients, annotated); err != nil {
			f.logger.Error("Failed to relay message",
				zap.String("from", s.from),
				zap.String("relay_addr", f.opts.RelayAddr),
				zap.Error(err))
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 4, 0},
				Message:      "Next hop unavailable, try again later",
			}
		}
	} else {
		f.logger.Warn("Relay disabled, message scored but not delivered", zap.String("user_id", userID))
	}

	fields := []zap.Field{
		zap.String("from", s.from),
		zap.String("user_id", userID),
		zap.Int("recipients", len(s.recipients)),
	}
	if result != nil {
		fields = append(fields,
			zap.Int("score", result.Score),
			zap.String("tier", string(result.TierUsed)),
			zap.Bool("cached", result.Cached))
	}
	f.logger.Info("Processed email", fields...)
	return nil
}
