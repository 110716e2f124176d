package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"cadencely/config"
	"cadencely/engine"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
)

// rawMessage is one fetched RFC 822 message, addressed by UID so it stays
// valid when other clients expunge from the mailbox between fetch and store.
type rawMessage struct {
	UID  uint32
	Body []byte
}

type inboxFetcher interface {
	FetchUnseen(since time.Time) ([]rawMessage, error)
	MarkSeen(uids []uint32) error
	Logout() error
}

// inboundSignal is what an inbound message says about our outreach.
type inboundSignal struct {
	Signal     engine.Signal
	MessageIDs []string // candidates, most likely first
	ExternalID string
	OccurredAt time.Time
}

const (
	replyLookback = 7 * 24 * time.Hour
	maxPartBytes  = 256 << 10
)

// ReplyWorker polls the reply mailbox and turns replies and delivery status
// notifications into engagement signals.
type ReplyWorker struct {
	dial     func() (inboxFetcher, error)
	tracker  signalRecorder
	interval time.Duration
	now      func() time.Time
	logger   *logrus.Entry
}

func NewReplyWorker(cfg config.IMAPConfig, tracker signalRecorder, logger *logrus.Entry) *ReplyWorker {
	if logger == nil {
		logger = logrus.WithField("worker", "reply")
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ReplyWorker{
		dial:     func() (inboxFetcher, error) { return dialIMAP(cfg) },
		tracker:  tracker,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.logger.Info("Starting reply worker...")
	t := time.NewTicker(rw.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if err := rw.poll(ctx); err != nil {
				rw.logger.WithError(err).Error("Failed to poll reply mailbox")
			}
		case <-ctx.Done():
			rw.logger.Info("Stopping reply worker...")
			return
		}
	}
}

func (rw *ReplyWorker) poll(ctx context.Context) error {
	inbox, err := rw.dial()
	if err != nil {
		return err
	}
	defer inbox.Logout()

	msgs, err := inbox.FetchUnseen(rw.now().Add(-replyLookback))
	if err != nil {
		return err
	}

	var handled []uint32
	for _, m := range msgs {
		sig, err := parseInbound(bytes.NewReader(m.Body))
		if err != nil {
			rw.logger.WithError(err).WithField("uid", m.UID).Warn("Failed to parse inbound message")
			continue
		}
		if sig == nil {
			continue
		}
		ok, err := rw.apply(ctx, sig)
		if err != nil {
			rw.logger.WithError(err).WithField("uid", m.UID).Error("Failed to record inbound signal")
			continue
		}
		if ok {
			handled = append(handled, m.UID)
		}
	}

	if len(handled) > 0 {
		rw.logger.WithField("count", len(handled)).Info("Recorded inbound replies and bounces")
		return inbox.MarkSeen(handled)
	}
	return nil
}

// apply records sig against the first candidate Message-ID that belongs to a
// step execution. It reports false when none does.
func (rw *ReplyWorker) apply(ctx context.Context, sig *inboundSignal) (bool, error) {
	for _, id := range sig.MessageIDs {
		_, err := rw.tracker.RecordSignal(ctx, engine.SignalInput{
			MessageID:  id,
			Signal:     sig.Signal,
			OccurredAt: sig.OccurredAt,
			Source:     "imap",
			ExternalID: sig.ExternalID,
		})
		if errors.Is(err, engine.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

var (
	headerIDLine = regexp.MustCompile(`(?im)^(?:message-id|in-reply-to|references):[ \t]*(.+)$`)
	angleID      = regexp.MustCompile(`<([^<>\s]+)>`)
)

// parseInbound classifies a raw message. It returns nil for messages that
// are neither replies nor bounces, and for automatic replies.
func parseInbound(r io.Reader) (*inboundSignal, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create message reader: %w", err)
	}
	h := mr.Header

	ownID, _ := h.MessageID()
	date, err := h.Date()
	if err != nil || date.IsZero() {
		date = time.Now()
	}
	sig := &inboundSignal{OccurredAt: date.UTC()}
	if ownID != "" {
		sig.ExternalID = "imap:" + ownID
	}

	if isBounce(h) {
		var body bytes.Buffer
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			} else if err != nil {
				return nil, fmt.Errorf("failed to read next part: %w", err)
			}
			if _, err := io.Copy(&body, io.LimitReader(p.Body, maxPartBytes)); err != nil {
				return nil, fmt.Errorf("failed to read part: %w", err)
			}
			body.WriteByte('\n')
		}

		sig.Signal = engine.SignalBounced
		sig.MessageIDs = referencedIDs(h, body.Bytes(), ownID)
		if len(sig.MessageIDs) == 0 {
			return nil, nil
		}
		return sig, nil
	}

	if auto := strings.ToLower(strings.TrimSpace(h.Get("Auto-Submitted"))); auto != "" && auto != "no" {
		return nil, nil
	}

	sig.Signal = engine.SignalReplied
	sig.MessageIDs = threadIDs(h)
	if len(sig.MessageIDs) == 0 {
		return nil, nil
	}
	return sig, nil
}

func isBounce(h mail.Header) bool {
	if t, params, err := h.ContentType(); err == nil &&
		t == "multipart/report" && strings.EqualFold(params["report-type"], "delivery-status") {
		return true
	}
	from, err := h.AddressList("From")
	if err != nil {
		return false
	}
	for _, a := range from {
		local := strings.ToLower(a.Address)
		if i := strings.Index(local, "@"); i >= 0 {
			local = local[:i]
		}
		if local == "mailer-daemon" || local == "postmaster" {
			return true
		}
	}
	return false
}

// threadIDs lists In-Reply-To first, then References from newest to oldest.
func threadIDs(h mail.Header) []string {
	var ids []string
	seen := map[string]bool{}
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	inReplyTo, _ := h.MsgIDList("In-Reply-To")
	for _, id := range inReplyTo {
		add(id)
	}
	refs, _ := h.MsgIDList("References")
	for i := len(refs) - 1; i >= 0; i-- {
		add(refs[i])
	}
	return ids
}

// referencedIDs collects the Message-IDs a bounce refers to: its own thread
// headers, then any header lines quoted in the returned message.
func referencedIDs(h mail.Header, body []byte, ownID string) []string {
	ids := threadIDs(h)
	seen := map[string]bool{ownID: true}
	for _, id := range ids {
		seen[id] = true
	}
	for _, line := range headerIDLine.FindAllSubmatch(body, -1) {
		for _, m := range angleID.FindAllSubmatch(line[1], -1) {
			id := string(m[1])
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

type imapInbox struct {
	c *client.Client
}

func dialIMAP(cfg config.IMAPConfig) (inboxFetcher, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	var (
		c   *client.Client
		err error
	)
	switch strings.ToUpper(cfg.Encryption) {
	case "SSL", "TLS":
		c, err = client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(tlsConfig)
		}
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := cfg.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, false); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to select mailbox: %w", err)
	}
	return &imapInbox{c: c}, nil
}

func (in *imapInbox) FetchUnseen(since time.Time) ([]rawMessage, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Since = since
	uids, err := in.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- in.c.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages)
	}()

	var out []rawMessage
	for msg := range messages {
		literal := msg.GetBody(section)
		if literal == nil || msg.Uid == 0 {
			continue
		}
		b, err := io.ReadAll(literal)
		if err != nil {
			continue
		}
		out = append(out, rawMessage{UID: msg.Uid, Body: b})
	}
	if err := <-done; err != nil {
		return out, fmt.Errorf("error during fetch: %w", err)
	}
	return out, nil
}

func (in *imapInbox) MarkSeen(uids []uint32) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	return in.c.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil)
}

func (in *imapInbox) Logout() error {
	return in.c.Logout()
}
