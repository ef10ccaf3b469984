// Package localstore adapts a Maildir++ tree to the base.Client interface so
// a local mail spool can be processed with the exact same engine as a remote
// account. Folder "INBOX" is the maildir root; "INBOX.hard" maps onto the
// ".hard" subdirectory.
package localstore

import (
	"bytes"
	"io"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-maildir"
	"github.com/emersion/go-message"
	"github.com/pkg/errors"

	"github.com/voku/bouncehandler/pkg/base"
)

type Store struct {
	root     string
	readOnly bool
	state    imap.ConnState

	folder  string
	msgs    []*maildir.Message
	raw     map[int][]byte // 1-based position -> raw message bytes
	deleted map[int]bool
}

var _ base.Client = (*Store)(nil)

// Open validates the maildir root and returns a store handle. With testMode
// set, every mutating operation fails before touching the filesystem.
func Open(path string, testMode bool) (*Store, error) {
	if _, err := os.Stat(filepath.Join(path, "cur")); err != nil {
		return nil, errors.Wrapf(err, "not a maildir: %s", path)
	}
	return &Store{
		root:     path,
		readOnly: testMode,
		state:    imap.AuthenticatedState,
	}, nil
}

// folderPath resolves an IMAP-style folder name to a maildir directory.
func (s *Store) folderPath(name string) string {
	name = strings.TrimPrefix(name, "INBOX")
	name = strings.TrimPrefix(name, ".")
	if name == "" {
		return s.root
	}
	return filepath.Join(s.root, "."+name)
}

func (s *Store) dir(name string) (maildir.Dir, error) {
	path := s.folderPath(name)
	if _, err := os.Stat(filepath.Join(path, "cur")); err != nil {
		return "", errors.Wrapf(err, "no such folder %q", name)
	}
	return maildir.Dir(path), nil
}

// Login satisfies base.Client; a local store carries no credentials.
func (s *Store) Login(username, password string) error {
	return nil
}

func (s *Store) Logout() error {
	s.state = imap.LogoutState
	s.msgs = nil
	s.raw = nil
	s.deleted = nil
	return nil
}

func (s *Store) State() imap.ConnState {
	return s.state
}

// Select loads the folder's messages in stable filename order. The readOnly
// argument is ORed with the store-level test mode so a test-mode store can
// never be flipped read-write by a caller.
func (s *Store) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	dir, err := s.dir(name)
	if err != nil {
		return nil, err
	}

	// Unseen moves new/ messages into cur/ so one listing covers everything.
	if _, err := dir.Unseen(); err != nil {
		return nil, errors.Wrap(err, "scanning new messages")
	}
	msgs, err := dir.Messages()
	if err != nil {
		return nil, errors.Wrap(err, "listing messages")
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Key() < msgs[j].Key() })

	s.folder = name
	s.msgs = msgs
	s.raw = make(map[int][]byte)
	s.deleted = make(map[int]bool)
	s.readOnly = s.readOnly || readOnly
	s.state = imap.SelectedState

	status := imap.NewMailboxStatus(name, []imap.StatusItem{imap.StatusMessages})
	status.Messages = uint32(len(msgs))
	return status, nil
}

func (s *Store) message(seq int) (*maildir.Message, error) {
	if seq < 1 || seq > len(s.msgs) {
		return nil, errors.Errorf("message %d out of range", seq)
	}
	if s.deleted[seq] {
		return nil, errors.Errorf("message %d is expunged", seq)
	}
	return s.msgs[seq-1], nil
}

func (s *Store) rawBytes(seq int) ([]byte, error) {
	if data, ok := s.raw[seq]; ok {
		return data, nil
	}
	msg, err := s.message(seq)
	if err != nil {
		return nil, err
	}
	r, err := msg.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	s.raw[seq] = data
	return data, nil
}

func splitMessage(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2], raw[i+2:]
	}
	return raw, nil
}

func (s *Store) Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	defer close(ch)

	for seq := 1; seq <= len(s.msgs); seq++ {
		if !seqset.Contains(uint32(seq)) || s.deleted[seq] {
			continue
		}

		msg := &imap.Message{
			SeqNum: uint32(seq),
			Body:   make(map[*imap.BodySectionName]imap.Literal),
		}
		if err := s.fillMessage(seq, items, msg); err != nil {
			return err
		}
		ch <- msg
	}

	return nil
}

func (s *Store) fillMessage(seq int, items []imap.FetchItem, msg *imap.Message) error {
	raw, err := s.rawBytes(seq)
	if err != nil {
		return err
	}

	for _, item := range items {
		switch item {
		case imap.FetchEnvelope:
			env, err := parseEnvelope(raw)
			if err != nil {
				return err
			}
			msg.Envelope = env
		case imap.FetchBodyStructure, imap.FetchBody:
			bs, err := parseStructure(raw)
			if err != nil {
				return err
			}
			msg.BodyStructure = bs
		default:
			section, err := imap.ParseBodySectionName(item)
			if err != nil {
				return err
			}
			data, err := s.section(raw, section)
			if err != nil {
				return err
			}
			// The response key must not carry the PEEK marker.
			section.Peek = false
			msg.Body[section] = bytes.NewBuffer(data)
		}
	}

	return nil
}

func (s *Store) section(raw []byte, section *imap.BodySectionName) ([]byte, error) {
	header, body := splitMessage(raw)

	if len(section.Path) == 0 {
		switch section.Specifier {
		case imap.HeaderSpecifier:
			return header, nil
		case imap.TextSpecifier:
			return body, nil
		case imap.EntireSpecifier:
			return raw, nil
		}
		return nil, errors.Errorf("unsupported body section %v", section.FetchItem())
	}

	if len(section.Path) > 1 {
		return nil, errors.Errorf("nested part paths are not supported: %v", section.Path)
	}

	entity, err := readEntity(raw)
	if err != nil {
		return nil, err
	}

	mr := entity.MultipartReader()
	if mr == nil {
		// BODY[1] of a non-multipart message is the body itself.
		if section.Path[0] == 1 {
			return io.ReadAll(entity.Body)
		}
		return nil, errors.Errorf("message has no part %d", section.Path[0])
	}

	for part := 1; ; part++ {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if part == section.Path[0] {
			return io.ReadAll(p.Body)
		}
	}
	return nil, errors.Errorf("message has no part %d", section.Path[0])
}

func (s *Store) Store(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error {
	if ch != nil {
		defer close(ch)
	}
	if s.readOnly {
		return errors.New("folder is selected read-only")
	}

	flags, ok := value.([]interface{})
	if !ok {
		return errors.Errorf("unsupported store value %v", value)
	}
	addsDeleted := false
	for _, f := range flags {
		if f == imap.DeletedFlag {
			addsDeleted = true
		}
	}
	if !addsDeleted {
		return errors.Errorf("unsupported store item %v", item)
	}

	for seq := 1; seq <= len(s.msgs); seq++ {
		if seqset.Contains(uint32(seq)) && !s.deleted[seq] {
			s.deleted[seq] = true
		}
	}
	return nil
}

func (s *Store) Copy(seqset *imap.SeqSet, dest string) error {
	if s.readOnly {
		return errors.New("folder is selected read-only")
	}
	dir, err := s.dir(dest)
	if err != nil {
		return err
	}

	for seq := 1; seq <= len(s.msgs); seq++ {
		if !seqset.Contains(uint32(seq)) || s.deleted[seq] {
			continue
		}
		raw, err := s.rawBytes(seq)
		if err != nil {
			return err
		}
		delivery, err := maildir.NewDelivery(string(dir))
		if err != nil {
			return err
		}
		if _, err := delivery.Write(raw); err != nil {
			_ = delivery.Abort()
			return err
		}
		if err := delivery.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Expunge removes every message flagged deleted. Positions of the surviving
// messages are only renumbered on the next Select, which is fine for the
// run-then-close usage pattern.
func (s *Store) Expunge(ch chan uint32) error {
	if ch != nil {
		defer close(ch)
	}
	if s.readOnly {
		return errors.New("folder is selected read-only")
	}

	var lastErr error
	for seq := range s.deleted {
		if ch != nil {
			ch <- uint32(seq)
		}
		if err := s.msgs[seq-1].Remove(); err != nil && !os.IsNotExist(err) {
			lastErr = err
		}
	}
	return lastErr
}

func (s *Store) List(ref, name string, ch chan *imap.MailboxInfo) error {
	defer close(ch)

	ch <- &imap.MailboxInfo{Name: "INBOX", Delimiter: "."}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ch <- &imap.MailboxInfo{
			Name:      "INBOX" + entry.Name(),
			Delimiter: ".",
		}
	}
	return nil
}

func (s *Store) Create(name string) error {
	if s.readOnly {
		return errors.New("store is opened read-only")
	}
	path := s.folderPath(name)
	if err := os.MkdirAll(path, 0700); err != nil {
		return err
	}
	return maildir.Dir(path).Init()
}

// Search supports the criteria the engine actually issues: SENTBEFORE and
// the empty criteria set.
func (s *Store) Search(criteria *imap.SearchCriteria) ([]uint32, error) {
	var out []uint32
	for seq := 1; seq <= len(s.msgs); seq++ {
		if s.deleted[seq] {
			continue
		}
		if criteria != nil && !criteria.SentBefore.IsZero() {
			raw, err := s.rawBytes(seq)
			if err != nil {
				continue
			}
			env, err := parseEnvelope(raw)
			if err != nil || env.Date.IsZero() {
				continue
			}
			if !env.Date.Before(criteria.SentBefore) {
				continue
			}
		}
		out = append(out, uint32(seq))
	}
	return out, nil
}

func readEntity(raw []byte) (*message.Entity, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	if entity == nil {
		return nil, errors.New("unreadable message")
	}
	return entity, nil
}

func parseEnvelope(raw []byte) (*imap.Envelope, error) {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	env := &imap.Envelope{Subject: m.Header.Get("Subject")}
	if date, err := m.Header.Date(); err == nil {
		env.Date = date
	}
	if from, err := m.Header.AddressList("From"); err == nil {
		for _, a := range from {
			mailbox, host, _ := strings.Cut(a.Address, "@")
			env.From = append(env.From, &imap.Address{
				PersonalName: a.Name,
				MailboxName:  mailbox,
				HostName:     host,
			})
		}
	}
	return env, nil
}

// parseStructure synthesizes a one-level BODYSTRUCTURE. Part bodies handed
// out by Fetch are already transfer-decoded by go-message, so parts report a
// 7bit encoding rather than the on-disk one.
func parseStructure(raw []byte) (*imap.BodyStructure, error) {
	entity, err := readEntity(raw)
	if err != nil {
		return nil, err
	}
	return structureOf(entity), nil
}

func structureOf(entity *message.Entity) *imap.BodyStructure {
	mediaType, params, err := entity.Header.ContentType()
	if err != nil {
		mediaType = "text/plain"
		params = nil
	}
	mimeType, mimeSub, _ := strings.Cut(mediaType, "/")

	bs := &imap.BodyStructure{
		MIMEType:    mimeType,
		MIMESubType: mimeSub,
		Params:      params,
		Encoding:    "7bit",
	}

	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				break
			}
			bs.Parts = append(bs.Parts, structureOf(part))
		}
	}

	return bs
}
