package handler

import (
	"bufio"
	"log/slog"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/textproto"

	"github.com/voku/bouncehandler/internal/config"
	"github.com/voku/bouncehandler/pkg/base"
	"github.com/voku/bouncehandler/pkg/models/session"
	"github.com/voku/bouncehandler/pkg/rules"
	"github.com/voku/bouncehandler/pkg/utils"
)

// messageContent keeps what classification fetched so the callback report
// does not need to fetch it again.
type messageContent struct {
	decoded string // the text the rule engine saw
	raw     string // the undecoded fetched content
}

// classify routes one message through detection, decoding and the rule
// engines. Store failures and unsupported shapes are soft: they come back as
// the unmatched result, never as an error.
func (h *Handler) classify(sess *session.Session, cfg config.Config, seq int) (messageContent, rules.Result) {
	r, bs, err := h.detect.Detect(sess, seq)
	if err != nil {
		h.logger.Warn("Failed to inspect message, counting as unprocessed",
			slog.Int("message", seq), slog.Any("error", utils.WrapError(err)))
		return messageContent{}, rules.Unmatched()
	}

	if r == routeDSN {
		return h.classifyDSN(sess, seq, bs)
	}
	return h.classifyBody(sess, seq, bs)
}

// classifyDSN handles a standard multipart/report message: part 1 is the
// human-readable explanation, part 2 the machine-readable status block. Only
// part 1 is transfer-decoded; the status block is consumed as-is.
func (h *Handler) classifyDSN(sess *session.Session, seq int, bs *imap.BodyStructure) (messageContent, rules.Result) {
	if bs == nil {
		var err error
		if bs, err = sess.FetchStructure(seq); err != nil {
			h.logger.Warn("Failed to fetch DSN structure", slog.Int("message", seq), slog.Any("error", utils.WrapError(err)))
			return messageContent{}, rules.Unmatched()
		}
	}

	rawExplanation, err := sess.FetchPart(seq, 1)
	if err != nil {
		h.logger.Warn("Failed to fetch DSN explanation part", slog.Int("message", seq), slog.Any("error", utils.WrapError(err)))
		return messageContent{}, rules.Unmatched()
	}
	report, err := sess.FetchPart(seq, 2)
	if err != nil {
		h.logger.Warn("Failed to fetch DSN status part", slog.Int("message", seq), slog.Any("error", utils.WrapError(err)))
		return messageContent{}, rules.Unmatched()
	}

	encoding := ""
	if len(bs.Parts) > 0 {
		encoding = bs.Parts[0].Encoding
	}
	explanation := decodeContent(rawExplanation, encoding)

	result := h.dsnEngine(explanation, report, h.cfg.DebugDSNRules)
	if h.dsnOverride != nil {
		result = h.dsnOverride(result, explanation, report, h.cfg.DebugDSNRules)
	}
	result.Email = stripAddressArtifact(result.Email)

	return messageContent{decoded: explanation, raw: rawExplanation}, result
}

// classifyBody handles everything that is not a standard DSN. The decoding
// policy depends on the top-level structure type.
func (h *Handler) classifyBody(sess *session.Session, seq int, bs *imap.BodyStructure) (messageContent, rules.Result) {
	if bs == nil {
		var err error
		if bs, err = sess.FetchStructure(seq); err != nil {
			h.logger.Warn("Failed to fetch structure", slog.Int("message", seq), slog.Any("error", utils.WrapError(err)))
			return messageContent{}, rules.Unmatched()
		}
	}

	var content messageContent
	switch strings.ToLower(bs.MIMEType) {
	case "text":
		raw, err := sess.FetchPart(seq, 1)
		if err != nil {
			h.logger.Warn("Failed to fetch body", slog.Int("message", seq), slog.Any("error", utils.WrapError(err)))
			return messageContent{}, rules.Unmatched()
		}
		content = messageContent{decoded: raw, raw: raw}
	case "multipart":
		raw, err := sess.FetchPart(seq, 1)
		if err != nil {
			h.logger.Warn("Failed to fetch first part", slog.Int("message", seq), slog.Any("error", utils.WrapError(err)))
			return messageContent{}, rules.Unmatched()
		}
		encoding := ""
		if len(bs.Parts) > 0 {
			encoding = bs.Parts[0].Encoding
		}
		content = messageContent{decoded: decodeContent(raw, encoding), raw: raw}
	case "message":
		raw, err := sess.FetchText(seq)
		if err != nil {
			h.logger.Warn("Failed to fetch embedded message", slog.Int("message", seq), slog.Any("error", utils.WrapError(err)))
			return messageContent{}, rules.Unmatched()
		}
		content = messageContent{decoded: truncate(decodeContent(raw, bs.Encoding), messageBodyLimit), raw: raw}
	default:
		if h.verbosity >= base.VerboseReport {
			h.logger.Info("Unsupported content type, counting as unprocessed",
				slog.Int("message", seq), slog.String("type", bs.MIMEType))
		}
		return messageContent{}, rules.Unmatched()
	}

	result := h.bodyEngine(content.decoded, bs, h.cfg.DebugBodyRules)
	if h.bodyOverride != nil {
		result = h.bodyOverride(result, content.decoded, bs, h.cfg.DebugBodyRules)
	}
	result.Email = stripAddressArtifact(result.Email)

	return content, result
}

// stripAddressArtifact removes the "TO:<" prefix some upstream rule sets
// copy verbatim out of a delivery-status field.
func stripAddressArtifact(email string) string {
	if !strings.Contains(email, "TO:<") {
		return email
	}
	email = strings.ReplaceAll(email, "TO:<", "")
	return strings.TrimSuffix(email, ">")
}

// dispatch reports one classified message to the action callback. Unmatched
// messages carry their parsed header; matched ones carry nil there.
func (h *Handler) dispatch(sess *session.Session, seq, fetched int, content messageContent, result rules.Result, disposition string, unmatched bool) {
	rawHeader, err := sess.FetchHeader(seq)
	if err != nil {
		h.logger.Warn("Failed to fetch header for report", slog.Int("message", seq), slog.Any("error", utils.WrapError(err)))
	}

	var header *textproto.Header
	var subject string
	if rawHeader != "" {
		if parsed, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(rawHeader))); err == nil || parsed.Len() > 0 {
			header = &parsed
			subject = parsed.Get("Subject")
		}
	}

	email := result.Email
	if unmatched && email == "" {
		// Fall back to the sender for unrecognized messages so the report
		// still names someone. This never feeds back into the disposition.
		if env, err := sess.FetchEnvelope(seq); err == nil && len(env.From) > 0 {
			email = env.From[0].MailboxName + "@" + env.From[0].HostName
		}
	}

	ruleNo := result.RuleNo
	if ruleNo == "" {
		ruleNo = rules.UnmatchedRuleNo
	}

	params := rules.ActionParams{
		MessageNum:     seq,
		BounceType:     result.BounceType,
		Email:          email,
		Subject:        subject,
		Disposition:    disposition,
		RuleNo:         ruleNo,
		RuleCat:        result.RuleCat,
		TotalFetched:   fetched,
		Body:           content.decoded,
		RawHeader:      rawHeader,
		RawBody:        content.raw,
		StatusCode:     result.StatusCode,
		Action:         result.Action,
		DiagnosticCode: result.DiagnosticCode,
	}
	if unmatched {
		params.Header = header
	}

	h.action(params)
}
