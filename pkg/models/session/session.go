package session

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/pkg/errors"

	"github.com/voku/bouncehandler/internal/config"
	"github.com/voku/bouncehandler/pkg/base"
	"github.com/voku/bouncehandler/pkg/utils"
)

// Timeout is the wall-clock ceiling applied once at dial time. There is no
// separate per-command deadline.
const Timeout = 5 * time.Minute

// Session owns one selected folder on an open mail store for the duration of
// a run. It is not safe for concurrent use and is not meant to be: the
// processing loop is strictly sequential.
type Session struct {
	client   base.Client
	logger   *slog.Logger
	ctx      context.Context
	folder   string
	readOnly bool
	total    uint32
}

type Option func(*Session) error

func New(opts ...Option) (*Session, error) {
	var s Session
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return nil, err
		}
	}

	if s.client == nil {
		return nil, errors.New("requires client")
	}

	if s.logger == nil {
		return nil, errors.New("requires slogger")
	}

	if s.ctx == nil {
		return nil, errors.New("requires ctx")
	}

	return &s, nil
}

func WithClient(c base.Client) Option {
	return func(s *Session) error {
		s.client = c
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) error {
		s.logger = logger
		return nil
	}
}

func WithCtx(ctx context.Context) Option {
	return func(s *Session) error {
		s.ctx = ctx
		return nil
	}
}

// Dial opens a connection per the configured security mode and arms the
// session timeout.
func Dial(env config.IMAPEnv) (base.Client, error) {
	var c *imapclient.Client
	var err error

	switch env.Security {
	case "starttls":
		c, err = imapclient.Dial(env.Addr())
		if err == nil {
			if tlsErr := c.StartTLS(nil); tlsErr != nil {
				_ = c.Logout()
				return nil, errors.Wrap(tlsErr, "starttls")
			}
		}
	case "none":
		c, err = imapclient.Dial(env.Addr())
	default:
		c, err = imapclient.DialTLS(env.Addr(), nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", env.Addr())
	}

	c.Timeout = Timeout
	return c, nil
}

// Connector returns a dial-and-login factory. The handler uses one factory
// for the main session and fresh short-lived ones for folder maintenance.
func Connector(env config.IMAPEnv) func() (base.Client, error) {
	return func() (base.Client, error) {
		c, err := Dial(env)
		if err != nil {
			return nil, err
		}
		if err := c.Login(env.User, env.Pass); err != nil {
			_ = c.Logout()
			return nil, errors.Wrap(err, "login")
		}
		return c, nil
	}
}

// Open selects the folder. Test-mode callers pass readOnly=true, which
// guarantees the store rejects any mutation for the whole session.
func (s *Session) Open(folder string, readOnly bool) error {
	status, err := s.client.Select(folder, readOnly)
	if err != nil {
		s.logger.ErrorContext(s.ctx, "Failed to select folder", slog.String("folder", folder), slog.Any("error", utils.WrapError(err)))
		return errors.Wrapf(err, "selecting %q", folder)
	}

	s.folder = folder
	s.readOnly = readOnly
	s.total = status.Messages
	return nil
}

// Total reports how many messages the selected folder holds.
func (s *Session) Total() int {
	return int(s.total)
}

// Folder reports the selected folder name.
func (s *Session) Folder() string {
	return s.folder
}

// Client exposes the underlying store connection.
func (s *Session) Client() base.Client {
	return s.client
}

func (s *Session) fetchOne(seq int, items []imap.FetchItem) (*imap.Message, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(seq))

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.Fetch(seqset, items, messages)
	}()

	var msg *imap.Message
	for m := range messages {
		msg = m
	}

	if err := <-done; err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.Errorf("no fetch data for message %d", seq)
	}
	return msg, nil
}

// FetchStructure retrieves the BODYSTRUCTURE of one message.
func (s *Session) FetchStructure(seq int) (*imap.BodyStructure, error) {
	msg, err := s.fetchOne(seq, []imap.FetchItem{imap.FetchBodyStructure})
	if err != nil {
		return nil, err
	}
	if msg.BodyStructure == nil {
		return nil, errors.Errorf("no body structure for message %d", seq)
	}
	return msg.BodyStructure, nil
}

// FetchEnvelope retrieves the envelope of one message.
func (s *Session) FetchEnvelope(seq int) (*imap.Envelope, error) {
	msg, err := s.fetchOne(seq, []imap.FetchItem{imap.FetchEnvelope})
	if err != nil {
		return nil, err
	}
	if msg.Envelope == nil {
		return nil, errors.Errorf("no envelope for message %d", seq)
	}
	return msg.Envelope, nil
}

func (s *Session) fetchSection(seq int, section *imap.BodySectionName) (string, error) {
	msg, err := s.fetchOne(seq, []imap.FetchItem{section.FetchItem()})
	if err != nil {
		return "", err
	}

	literal := msg.GetBody(section)
	if literal == nil {
		return "", errors.Errorf("no body section %s for message %d", section.FetchItem(), seq)
	}

	data, err := io.ReadAll(literal)
	if err != nil {
		return "", errors.Wrap(err, "reading body literal")
	}
	return string(data), nil
}

// FetchHeader retrieves the raw header block of one message.
func (s *Session) FetchHeader(seq int) (string, error) {
	section := &imap.BodySectionName{Peek: true}
	section.Specifier = imap.HeaderSpecifier
	return s.fetchSection(seq, section)
}

// FetchText retrieves the entire undecoded body of one message.
func (s *Session) FetchText(seq int) (string, error) {
	section := &imap.BodySectionName{Peek: true}
	section.Specifier = imap.TextSpecifier
	return s.fetchSection(seq, section)
}

// FetchPart retrieves one MIME part by its numeric path, e.g. FetchPart(n, 1)
// for the first part of a multipart message.
func (s *Session) FetchPart(seq int, path ...int) (string, error) {
	section := &imap.BodySectionName{Peek: true}
	section.Path = path
	return s.fetchSection(seq, section)
}

// Delete flags one message for expunge.
func (s *Session) Delete(seq int) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(seq))

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	return s.client.Store(seqset, item, []interface{}{imap.DeletedFlag}, nil)
}

// MoveTo relocates one message into the named folder. The copy-then-flag
// sequence keeps message positions stable until the final expunge, so the
// batch loop can keep addressing messages by their original position.
func (s *Session) MoveTo(seq int, folder string) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(seq))
	if err := s.client.Copy(seqset, folder); err != nil {
		return err
	}
	return s.Delete(seq)
}

// ListFolders returns the names of every folder on the account.
func (s *Session) ListFolders() ([]string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var names []string
	for m := range mailboxes {
		names = append(names, m.Name)
	}

	if err := <-done; err != nil {
		return nil, err
	}
	return names, nil
}

// CreateFolder creates a folder on the account.
func (s *Session) CreateFolder(name string) error {
	return s.client.Create(name)
}

// Expunge permanently removes flagged messages from the selected folder.
func (s *Session) Expunge() error {
	return s.client.Expunge(nil)
}

// Close finishes the session. In live mode pending deletions are expunged
// first; both steps are best-effort and never fail the run.
func (s *Session) Close() {
	if !s.readOnly && s.client.State() == imap.SelectedState {
		if err := s.client.Expunge(nil); err != nil {
			s.logger.ErrorContext(s.ctx, "Failed to expunge on close", slog.Any("error", utils.WrapError(err)))
		}
	}
	if err := s.client.Logout(); err != nil {
		s.logger.ErrorContext(s.ctx, "Failed to logout", slog.Any("error", utils.WrapError(err)))
	}
}
