package rules

import (
	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/textproto"
)

// BounceType labels the failure category a rule assigns to a message.
type BounceType string

const (
	TypeHard          BounceType = "hard"
	TypeSoft          BounceType = "soft"
	TypeAntispam      BounceType = "antispam"
	TypeAutoreply     BounceType = "autoreply"
	TypeConcurrent    BounceType = "concurrent"
	TypeContentReject BounceType = "content_reject"
	TypeDefer         BounceType = "defer"
	TypeDelayed       BounceType = "delayed"
	TypeDNSUnknown    BounceType = "dns_unknown"
	TypeFull          BounceType = "full"
	TypeInactive      BounceType = "inactive"
	TypeInternalError BounceType = "internal_error"
	TypeOversize      BounceType = "oversize"
	TypeUnknown       BounceType = "unknown"
	TypeUserReject    BounceType = "user_reject"
)

// UnmatchedRuleNo is the sentinel rule number meaning no rule recognized the
// message, regardless of any bounce type a heuristic may have guessed.
const UnmatchedRuleNo = "0000"

// Result is the normalized outcome of classifying a single message.
type Result struct {
	Email          string
	BounceType     BounceType
	Remove         bool
	RuleNo         string
	RuleCat        string
	StatusCode     string
	Action         string
	DiagnosticCode string
}

// Unmatched returns the result used when no rule applies.
func Unmatched() Result {
	return Result{RuleNo: UnmatchedRuleNo, RuleCat: "unrecognized"}
}

// Matched reports whether a specific rule recognized the message.
func (r Result) Matched() bool {
	return r.RuleNo != "" && r.RuleNo != UnmatchedRuleNo
}

// DSNEngine classifies a standard delivery-status notification from its
// human-readable explanation and its machine-readable status block.
type DSNEngine func(explanation, report string, debug bool) Result

// BodyEngine classifies a non-DSN message from its decoded body.
type BodyEngine func(body string, structure *imap.BodyStructure, debug bool) Result

// DSNOverride refines or replaces the result of the DSN engine. It receives
// the engine's own result first and its return value wins.
type DSNOverride func(prior Result, explanation, report string, debug bool) Result

// BodyOverride refines or replaces the result of the body engine.
type BodyOverride func(prior Result, body string, structure *imap.BodyStructure, debug bool) Result

// ActionParams carries the fixed report handed to the action callback for
// every message of a live run. Field order mirrors the callback contract;
// simple callbacks are free to read only a prefix.
type ActionParams struct {
	MessageNum     int
	BounceType     BounceType
	Email          string
	Subject        string
	Header         *textproto.Header // parsed header for unmatched messages, nil for matched
	Disposition    string
	RuleNo         string
	RuleCat        string
	TotalFetched   int
	Body           string
	RawHeader      string
	RawBody        string
	StatusCode     string
	Action         string
	DiagnosticCode string
}

// ActionFunc is the caller-supplied per-message callback.
type ActionFunc func(p ActionParams)
