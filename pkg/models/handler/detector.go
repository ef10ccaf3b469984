package handler

import (
	"bufio"
	"log/slog"
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/textproto"

	"github.com/voku/bouncehandler/pkg/models/session"
)

// route says which classification path a message takes.
type route int

const (
	routeDSN route = iota
	routeBody
)

// detector decides DSN-vs-Body routing for one message. Both strategies must
// agree for well-formed input; which one runs is a configuration choice.
// The returned structure is non-nil only when the strategy had to fetch it,
// so the classification step can reuse it instead of fetching twice.
type detector interface {
	Detect(sess *session.Session, seq int) (route, *imap.BodyStructure, error)
}

// structureDetector routes on the full BODYSTRUCTURE: a standard DSN is a
// multipart/report carrying a report-type=delivery-status parameter.
type structureDetector struct{}

func (structureDetector) Detect(sess *session.Session, seq int) (route, *imap.BodyStructure, error) {
	bs, err := sess.FetchStructure(seq)
	if err != nil {
		return routeBody, nil, err
	}
	if isStandardDSN(bs) {
		return routeDSN, bs, nil
	}
	return routeBody, bs, nil
}

func isStandardDSN(bs *imap.BodyStructure) bool {
	if !strings.EqualFold(bs.MIMEType, "multipart") || !strings.EqualFold(bs.MIMESubType, "report") {
		return false
	}
	for attr, value := range bs.Params {
		if strings.EqualFold(attr, "report-type") && strings.EqualFold(value, "delivery-status") {
			return true
		}
	}
	return false
}

// headerDetector routes on the raw header block alone, matching the
// Content-Type header after unfolding continuation lines.
type headerDetector struct {
	logger *slog.Logger
}

var dsnContentTypePattern = regexp.MustCompile(`(?i)multipart/report.*report-type\s*=\s*"?delivery-status"?`)

func (d headerDetector) Detect(sess *session.Session, seq int) (route, *imap.BodyStructure, error) {
	raw, err := sess.FetchHeader(seq)
	if err != nil {
		return routeBody, nil, err
	}

	contentType := headerContentType(raw)
	if contentType == "" {
		d.logger.Debug("Message has no Content-Type header, not a MIME message", slog.Int("message", seq))
		return routeBody, nil, nil
	}

	if mediaType, params, err := mime.ParseMediaType(contentType); err == nil {
		if strings.EqualFold(mediaType, "multipart/report") && strings.EqualFold(params["report-type"], "delivery-status") {
			return routeDSN, nil, nil
		}
		return routeBody, nil, nil
	}

	// Tolerate parameter syntax ParseMediaType rejects.
	if dsnContentTypePattern.MatchString(contentType) {
		return routeDSN, nil, nil
	}
	return routeBody, nil, nil
}

// headerContentType extracts the unfolded Content-Type header value from a
// raw header block, or "" when the header is absent.
func headerContentType(raw string) string {
	header, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(raw)))
	if err != nil && header.Len() == 0 {
		return ""
	}
	return header.Get("Content-Type")
}
