package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cadencely/engine"
	"cadencely/queue"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []engine.SignalInput
	// known maps message or tracking ids to a result; anything else is not found
	known map[string]bool
	err   error
}

func (f *fakeRecorder) RecordSignal(ctx context.Context, in engine.SignalInput) (*engine.SignalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	if f.known != nil && !f.known[in.MessageID] && !f.known[in.TrackingID] {
		return nil, engine.ErrNotFound
	}
	return &engine.SignalResult{Applied: true}, nil
}

const replyMessage = "From: Ada <ada@example.com>\r\n" +
	"To: sales@cadencely.test\r\n" +
	"Subject: Re: Quick question\r\n" +
	"Date: Mon, 02 Mar 2026 10:00:00 +0000\r\n" +
	"Message-ID: <reply-1@example.com>\r\n" +
	"In-Reply-To: <trk-2@cadencely.test>\r\n" +
	"References: <trk-1@cadencely.test> <trk-2@cadencely.test>\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Sounds good, let's talk.\r\n"

const bounceMessage = "From: Mail Delivery Subsystem <MAILER-DAEMON@mx.example.com>\r\n" +
	"To: sales@cadencely.test\r\n" +
	"Subject: Undelivered Mail Returned to Sender\r\n" +
	"Date: Mon, 02 Mar 2026 10:05:00 +0000\r\n" +
	"Message-ID: <dsn-1@mx.example.com>\r\n" +
	"Content-Type: multipart/report; report-type=delivery-status; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"The mail system could not deliver your message.\r\n" +
	"--b1\r\n" +
	"Content-Type: text/rfc822-headers\r\n" +
	"\r\n" +
	"From: sales@cadencely.test\r\n" +
	"To: nobody@example.com\r\n" +
	"Message-ID: <trk-9@cadencely.test>\r\n" +
	"--b1--\r\n"

func TestParseInbound_Reply(t *testing.T) {
	sig, err := parseInbound(strings.NewReader(replyMessage))
	require.NoError(t, err)
	require.NotNil(t, sig)

	assert.Equal(t, engine.SignalReplied, sig.Signal)
	assert.Equal(t, []string{"trk-2@cadencely.test", "trk-1@cadencely.test"}, sig.MessageIDs)
	assert.Equal(t, "imap:reply-1@example.com", sig.ExternalID)
	assert.True(t, sig.OccurredAt.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)), "occurred at %v", sig.OccurredAt)
}

func TestParseInbound_Bounce(t *testing.T) {
	sig, err := parseInbound(strings.NewReader(bounceMessage))
	require.NoError(t, err)
	require.NotNil(t, sig)

	assert.Equal(t, engine.SignalBounced, sig.Signal)
	assert.Equal(t, []string{"trk-9@cadencely.test"}, sig.MessageIDs)
}

func TestParseInbound_Ignored(t *testing.T) {
	fresh := "From: ada@example.com\r\nSubject: hello\r\nContent-Type: text/plain\r\n\r\nnew thread\r\n"
	sig, err := parseInbound(strings.NewReader(fresh))
	require.NoError(t, err)
	assert.Nil(t, sig)

	auto := strings.Replace(replyMessage, "Content-Type: text/plain\r\n",
		"Auto-Submitted: auto-replied\r\nContent-Type: text/plain\r\n", 1)
	sig, err = parseInbound(strings.NewReader(auto))
	require.NoError(t, err)
	assert.Nil(t, sig)
}

type fakeInbox struct {
	msgs []rawMessage
	seen []uint32
}

func (f *fakeInbox) FetchUnseen(since time.Time) ([]rawMessage, error) { return f.msgs, nil }
func (f *fakeInbox) MarkSeen(uids []uint32) error {
	f.seen = append(f.seen, uids...)
	return nil
}
func (f *fakeInbox) Logout() error { return nil }

func TestReplyWorker_PollMarksOnlyMatchedMessagesSeen(t *testing.T) {
	inbox := &fakeInbox{msgs: []rawMessage{
		{UID: 4012, Body: []byte(replyMessage)},
		{UID: 4015, Body: []byte(bounceMessage)},
		{UID: 4020, Body: []byte("From: x@example.com\r\n\r\nhi\r\n")},
	}}
	rec := &fakeRecorder{known: map[string]bool{"trk-1@cadencely.test": true}}
	rw := &ReplyWorker{
		dial:    func() (inboxFetcher, error) { return inbox, nil },
		tracker: rec,
		now:     time.Now,
		logger:  testLogger(),
	}

	require.NoError(t, rw.poll(context.Background()))

	// the reply resolves through its References after In-Reply-To misses
	assert.Equal(t, []uint32{4012}, inbox.seen)
	require.Len(t, rec.calls, 3)
	assert.Equal(t, "trk-2@cadencely.test", rec.calls[0].MessageID)
	assert.Equal(t, "trk-1@cadencely.test", rec.calls[1].MessageID)
	assert.Equal(t, "imap", rec.calls[1].Source)
	assert.Equal(t, engine.SignalBounced, rec.calls[2].Signal)
}

type fakeSource struct {
	msgs      []queue.EngagementMessage
	committed int
	cancel    context.CancelFunc
}

func (f *fakeSource) Read(ctx context.Context) (queue.EngagementMessage, func(context.Context) error, error) {
	if len(f.msgs) == 0 {
		f.cancel()
		<-ctx.Done()
		return queue.EngagementMessage{}, nil, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, func(context.Context) error { f.committed++; return nil }, nil
}

func TestEngagementWorker_CommitsHandledMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{cancel: cancel, msgs: []queue.EngagementMessage{
		{ExternalID: "e1", TrackingID: "known", Signal: "opened"},
		{ExternalID: "e2", TrackingID: "missing", Signal: "clicked"},
	}}
	rec := &fakeRecorder{known: map[string]bool{"known": true}}
	ew := NewEngagementWorker(src, rec, testLogger())
	ew.backoff = time.Millisecond

	ew.Start(ctx)

	assert.Equal(t, 2, src.committed)
	require.Len(t, rec.calls, 2)
	assert.Equal(t, "kafka", rec.calls[0].Source)
	assert.Equal(t, engine.SignalClicked, rec.calls[1].Signal)
}

func TestEngagementWorker_RetriesTransientErrors(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("connection reset")}
	ew := NewEngagementWorker(nil, rec, testLogger())
	ew.backoff = time.Millisecond

	ew.handle(context.Background(), queue.EngagementMessage{TrackingID: "x", Signal: "opened"})
	assert.Len(t, rec.calls, engagementAttempts)
}

type countingTicker struct {
	mu    sync.Mutex
	ticks int
}

func (c *countingTicker) Tick(ctx context.Context) (*engine.TickResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks++
	return &engine.TickResult{}, nil
}

func (c *countingTicker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

func TestSequenceWorker_TicksUntilCancelled(t *testing.T) {
	tk := &countingTicker{}
	sw := NewSequenceWorker(tk, 5*time.Millisecond, testLogger())
	sw.startupDelay = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return tk.count() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
