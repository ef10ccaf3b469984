package base

import (
	"github.com/emersion/go-imap"
)

const (
	// ServiceName identifies this binary to the telemetry pipeline.
	ServiceName = "bouncehandler"

	// OTLPDSNEnvVar enables the OTLP exporters when set.
	OTLPDSNEnvVar = "BOUNCEHANDLER_OTLP_DSN"

	// DefaultMaxMessages bounds how many messages one run fetches.
	DefaultMaxMessages = 3000

	// Default destination folders for the move policies.
	DefaultHardFolder        = "INBOX.hard"
	DefaultSoftFolder        = "INBOX.soft"
	DefaultUnprocessedFolder = "INBOX.unprocessed"
)

// Verbosity controls how chatty a run is. It is purely observational and
// never changes processing behavior.
type Verbosity int

const (
	VerboseQuiet Verbosity = iota
	VerboseSimple
	VerboseReport
	VerboseDebug
)

// Client is an interface to abstract the client.Client methods used
type Client interface {
	Copy(seqset *imap.SeqSet, dest string) error
	Create(name string) error
	Expunge(ch chan uint32) error
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	List(ref, name string, ch chan *imap.MailboxInfo) error
	Login(username string, password string) error
	Logout() error
	Search(criteria *imap.SearchCriteria) (seqNums []uint32, err error)
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	State() imap.ConnState
	Store(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
}
