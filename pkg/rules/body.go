package rules

import (
	"regexp"

	"github.com/emersion/go-imap"
)

type bodyRule struct {
	no      string
	cat     string
	bounce  BounceType
	remove  bool
	pattern *regexp.Regexp
}

var bodyRules = []bodyRule{
	{no: "0232", cat: "unknown", bounce: TypeHard, remove: true,
		pattern: regexp.MustCompile(`(?i)user +unknown|unknown +user|no +such +(user|recipient|address)|address(ee)? +(unknown|rejected)|recipient +.*not +(found|exist)|550[ -]`)},
	{no: "0219", cat: "full", bounce: TypeSoft, remove: true,
		pattern: regexp.MustCompile(`(?i)mailbox +(is +)?full|over +?quota|quota +exceeded|exceeded +storage`)},
	{no: "0251", cat: "inactive", bounce: TypeHard, remove: true,
		pattern: regexp.MustCompile(`(?i)account +(is +)?(disabled|inactive|expired|closed)`)},
	{no: "0305", cat: "oversize", bounce: TypeSoft, remove: true,
		pattern: regexp.MustCompile(`(?i)message +(size +)?exceeds|too +large|size +limit`)},
	{no: "0347", cat: "antispam", bounce: TypeAntispam, remove: false,
		pattern: regexp.MustCompile(`(?i)spam|blacklist|blocked +(for|by)|access +denied|rejected +for +policy`)},
	{no: "0360", cat: "dns_unknown", bounce: TypeDNSUnknown, remove: true,
		pattern: regexp.MustCompile(`(?i)host +(not +found|unknown)|domain +(does +not +exist|not +found)|no +mx +record`)},
	{no: "0425", cat: "delayed", bounce: TypeDelayed, remove: false,
		pattern: regexp.MustCompile(`(?i)delivery +.*(delayed|deferred)|warning: +message|still +trying`)},
	{no: "0300", cat: "autoreply", bounce: TypeAutoreply, remove: false,
		pattern: regexp.MustCompile(`(?i)out +of +(the +)?office|auto[ -]?reply|automatic +reply|vacation|away +from +my +mail`)},
}

var addressPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// ClassifyBody is the built-in body rule engine for bounces that do not
// arrive as a standard DSN. The structure descriptor is accepted for parity
// with custom engines that branch on MIME shape; the default table only
// inspects the decoded text.
func ClassifyBody(body string, structure *imap.BodyStructure, debug bool) Result {
	res := Unmatched()
	res.Email = extractAddress(body)

	for _, rule := range bodyRules {
		if rule.pattern.MatchString(body) {
			res.RuleNo = rule.no
			res.RuleCat = rule.cat
			res.BounceType = rule.bounce
			res.Remove = rule.remove
			return res
		}
	}

	return res
}

// extractAddress pulls the first address token out of the body text. The
// upstream rule format carries a leftover "TO:<" prefix on some captures;
// producing the bare address here keeps that artifact out of new rules while
// the delegate still strips it from custom engines that emit it.
func extractAddress(body string) string {
	return addressPattern.FindString(body)
}
