package handler

import (
	"context"
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/voku/bouncehandler/internal/config"
	"github.com/voku/bouncehandler/pkg/base"
	"github.com/voku/bouncehandler/pkg/mock"
	"github.com/voku/bouncehandler/pkg/rules"
)

// fixture is the per-message store content a test serves through the mock
// client's Fetch.
type fixture struct {
	structure *imap.BodyStructure
	envelope  *imap.Envelope
	header    string
	text      string
	parts     map[int]string
}

// serveFetch answers any Fetch call from the fixture map, one response per
// sequence number in the requested set.
func serveFetch(msgs map[uint32]fixture) func(*imap.SeqSet, []imap.FetchItem, chan *imap.Message) error {
	return func(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
		defer close(ch)
		for seq, f := range msgs {
			if !seqset.Contains(seq) {
				continue
			}
			msg := &imap.Message{SeqNum: seq, Body: map[*imap.BodySectionName]imap.Literal{}}
			for _, item := range items {
				switch item {
				case imap.FetchBodyStructure:
					msg.BodyStructure = f.structure
				case imap.FetchEnvelope:
					msg.Envelope = f.envelope
				default:
					section, err := imap.ParseBodySectionName(item)
					if err != nil {
						return err
					}
					content := ""
					switch {
					case len(section.Path) > 0:
						content = f.parts[section.Path[0]]
					case section.Specifier == imap.HeaderSpecifier:
						content = f.header
					case section.Specifier == imap.TextSpecifier:
						content = f.text
					}
					section.Peek = false
					msg.Body[section] = mock.NewStringLiteral(content)
				}
			}
			ch <- msg
		}
		return nil
	}
}

func serveList(names ...string) func(string, string, chan *imap.MailboxInfo) error {
	return func(ref, name string, ch chan *imap.MailboxInfo) error {
		defer close(ch)
		for _, n := range names {
			ch <- &imap.MailboxInfo{Name: n}
		}
		return nil
	}
}

func textFixture(body string) fixture {
	return fixture{
		structure: &imap.BodyStructure{MIMEType: "text", MIMESubType: "plain"},
		header:    "From: mailer-daemon@example.org\r\nSubject: Undelivered Mail\r\n\r\n",
		parts:     map[int]string{1: body},
	}
}

func hardBounceEngine(t *testing.T, wantBody string) rules.BodyEngine {
	return func(body string, structure *imap.BodyStructure, debug bool) rules.Result {
		assert.Equal(t, wantBody, body)
		return rules.Result{
			Email:      "ghost@example.com",
			BounceType: rules.TypeHard,
			Remove:     true,
			RuleNo:     "0232",
			RuleCat:    "unknown",
		}
	}
}

func newHandler(t *testing.T, client base.Client, cfg config.Config, extra ...Option) (*Handler, *[]rules.ActionParams) {
	t.Helper()

	var calls []rules.ActionParams
	opts := []Option{
		WithConfig(cfg),
		WithAction(func(p rules.ActionParams) { calls = append(calls, p) }),
		WithConnector(func() (base.Client, error) { return client, nil }),
		WithLogger(mock.SetupLogger(t)),
		WithCtx(context.Background()),
	}
	opts = append(opts, extra...)

	h, err := New(opts...)
	require.NoError(t, err)
	return h, &calls
}

func TestRunDeletesHardBounce(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mock.NewMockClient(ctrl)

	msgs := map[uint32]fixture{1: textFixture("550 user unknown")}
	client.EXPECT().Select("INBOX", false).Return(&imap.MailboxStatus{Messages: 1}, nil)
	client.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(serveFetch(msgs)).AnyTimes()
	client.EXPECT().Store(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(1)
	client.EXPECT().State().Return(imap.ConnState(imap.SelectedState)).AnyTimes()
	client.EXPECT().Expunge(gomock.Any()).Return(nil).AnyTimes()
	client.EXPECT().Logout().Return(nil).AnyTimes()

	h, calls := newHandler(t, client, config.Config{},
		WithBodyEngine(hardBounceEngine(t, "550 user unknown")))

	res, err := h.Run()
	require.NoError(t, err)
	assert.Equal(t, RunResult{Fetched: 1, Processed: 1, Deleted: 1}, res)

	require.Len(t, *calls, 1)
	p := (*calls)[0]
	assert.Equal(t, 1, p.MessageNum)
	assert.Equal(t, rules.TypeHard, p.BounceType)
	assert.Equal(t, "ghost@example.com", p.Email)
	assert.Equal(t, "Undelivered Mail", p.Subject)
	assert.Equal(t, "deleted", p.Disposition)
	assert.Equal(t, "0232", p.RuleNo)
	assert.Nil(t, p.Header)
}

func TestRunClassifiesStandardDSN(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mock.NewMockClient(ctrl)

	report := "Final-Recipient: rfc822; ghost@example.com\r\n" +
		"Action: failed\r\n" +
		"Status: 5.1.1\r\n"
	msgs := map[uint32]fixture{1: {
		structure: &imap.BodyStructure{
			MIMEType:    "multipart",
			MIMESubType: "report",
			Params:      map[string]string{"report-type": "delivery-status"},
			Parts: []*imap.BodyStructure{
				{MIMEType: "text", MIMESubType: "plain", Encoding: "7bit"},
				{MIMEType: "message", MIMESubType: "delivery-status"},
			},
		},
		header: "Subject: Mail delivery failed\r\n\r\n",
		parts: map[int]string{
			1: "Your message could not be delivered.",
			2: report,
		},
	}}

	client.EXPECT().Select("INBOX", false).Return(&imap.MailboxStatus{Messages: 1}, nil)
	client.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(serveFetch(msgs)).AnyTimes()
	client.EXPECT().Store(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(1)
	client.EXPECT().State().Return(imap.ConnState(imap.SelectedState)).AnyTimes()
	client.EXPECT().Expunge(gomock.Any()).Return(nil).AnyTimes()
	client.EXPECT().Logout().Return(nil).AnyTimes()

	h, calls := newHandler(t, client, config.Config{})

	res, err := h.Run()
	require.NoError(t, err)
	assert.Equal(t, RunResult{Fetched: 1, Processed: 1, Deleted: 1}, res)

	require.Len(t, *calls, 1)
	p := (*calls)[0]
	assert.Equal(t, "ghost@example.com", p.Email)
	assert.Equal(t, "0100", p.RuleNo)
	assert.Equal(t, "5.1.1", p.StatusCode)
	assert.Equal(t, "failed", p.Action)
}

func TestRunMoveHard(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mock.NewMockClient(ctrl)

	msgs := map[uint32]fixture{1: textFixture("550 user unknown")}
	client.EXPECT().Select("INBOX", false).Return(&imap.MailboxStatus{Messages: 1}, nil)
	client.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(serveFetch(msgs)).AnyTimes()
	// Maintenance session: the destination folder is missing and gets created.
	client.EXPECT().List("", "*", gomock.Any()).DoAndReturn(serveList("INBOX")).Times(1)
	client.EXPECT().Create("INBOX.hard").Return(nil).Times(1)
	// The move is copy plus delete-flag; no extra delete happens because
	// move-hard forces disable-delete.
	client.EXPECT().Copy(gomock.Any(), "INBOX.hard").Return(nil).Times(1)
	client.EXPECT().Store(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(1)
	client.EXPECT().State().Return(imap.ConnState(imap.SelectedState)).AnyTimes()
	client.EXPECT().Expunge(gomock.Any()).Return(nil).AnyTimes()
	client.EXPECT().Logout().Return(nil).AnyTimes()

	h, calls := newHandler(t, client, config.Config{MoveHard: true},
		WithBodyEngine(hardBounceEngine(t, "550 user unknown")))

	res, err := h.Run()
	require.NoError(t, err)
	assert.Equal(t, RunResult{Fetched: 1, Processed: 1, Moved: 1}, res)

	require.Len(t, *calls, 1)
	assert.Equal(t, "moved (hard)", (*calls)[0].Disposition)
}

func TestRunUnsupportedTypeGoesUnprocessed(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mock.NewMockClient(ctrl)

	msgs := map[uint32]fixture{1: {
		structure: &imap.BodyStructure{MIMEType: "video", MIMESubType: "mp4"},
		header:    "Subject: Holiday clip\r\n\r\n",
		envelope: &imap.Envelope{From: []*imap.Address{
			{MailboxName: "sender", HostName: "example.com"},
		}},
	}}

	client.EXPECT().Select("INBOX", false).Return(&imap.MailboxStatus{Messages: 1}, nil)
	client.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(serveFetch(msgs)).AnyTimes()
	client.EXPECT().List("", "*", gomock.Any()).DoAndReturn(serveList("INBOX", "INBOX.unprocessed")).Times(1)
	client.EXPECT().Copy(gomock.Any(), "INBOX.unprocessed").Return(nil).Times(1)
	client.EXPECT().Store(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(1)
	client.EXPECT().State().Return(imap.ConnState(imap.SelectedState)).AnyTimes()
	client.EXPECT().Expunge(gomock.Any()).Return(nil).AnyTimes()
	client.EXPECT().Logout().Return(nil).AnyTimes()

	h, calls := newHandler(t, client, config.Config{})

	res, err := h.Run()
	require.NoError(t, err)
	assert.Equal(t, RunResult{Fetched: 1, Unprocessed: 1, Moved: 1}, res)

	require.Len(t, *calls, 1)
	p := (*calls)[0]
	assert.Equal(t, rules.UnmatchedRuleNo, p.RuleNo)
	assert.Equal(t, "sender@example.com", p.Email)
	require.NotNil(t, p.Header)
	assert.Equal(t, "Holiday clip", p.Header.Get("Subject"))
}

func TestRunTestModeMutatesNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mock.NewMockClient(ctrl)

	msgs := map[uint32]fixture{
		1: textFixture("550 user unknown"),
		2: textFixture("hello there, nothing wrong"),
	}

	// Read-only select; no Store, Copy, Create or Expunge expectations, so
	// any mutation fails the test.
	client.EXPECT().Select("INBOX", true).Return(&imap.MailboxStatus{Messages: 2}, nil)
	client.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(serveFetch(msgs)).AnyTimes()
	client.EXPECT().Logout().Return(nil).Times(1)

	h, calls := newHandler(t, client, config.Config{TestMode: true, PurgeUnprocessed: true})

	res, err := h.Run()
	require.NoError(t, err)
	assert.Equal(t, RunResult{Fetched: 2, Processed: 1, Unprocessed: 1}, res)
	assert.Equal(t, res.Fetched, res.Processed+res.Unprocessed)
	assert.Empty(t, *calls)
}

func TestRunHonorsMaxMessages(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mock.NewMockClient(ctrl)

	msgs := map[uint32]fixture{
		1: textFixture("nothing to see"),
		2: textFixture("nothing to see"),
	}

	moveUnprocessed := false
	cfg := config.Config{MaxMessages: 1, MoveUnprocessed: &moveUnprocessed}

	client.EXPECT().Select("INBOX", false).Return(&imap.MailboxStatus{Messages: 2}, nil)
	client.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(serveFetch(msgs)).AnyTimes()
	client.EXPECT().State().Return(imap.ConnState(imap.SelectedState)).AnyTimes()
	client.EXPECT().Expunge(gomock.Any()).Return(nil).AnyTimes()
	client.EXPECT().Logout().Return(nil).AnyTimes()

	h, calls := newHandler(t, client, cfg)

	res, err := h.Run()
	require.NoError(t, err)
	assert.Equal(t, RunResult{Fetched: 1, Unprocessed: 1}, res)
	assert.Len(t, *calls, 1)
}

func TestRunRequiresActionCallback(t *testing.T) {
	h, err := New(
		WithConfig(config.Config{}),
		WithConnector(func() (base.Client, error) {
			t.Fatal("connector must not run without a callback")
			return nil, nil
		}),
		WithLogger(mock.SetupLogger(t)),
		WithCtx(context.Background()),
	)
	require.NoError(t, err)

	_, err = h.Run()
	assert.ErrorContains(t, err, "no action callback")
}

func TestReport(t *testing.T) {
	res := RunResult{Fetched: 5, Processed: 3, Unprocessed: 2, Deleted: 2, Moved: 1}
	assert.Equal(t, "fetched=5 processed=3 unprocessed=2 deleted=2 moved=1", res.Report())
}
