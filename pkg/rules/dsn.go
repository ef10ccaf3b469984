package rules

import (
	"bufio"
	"regexp"
	"strings"
)

// dsnRule matches on the RFC 3463 status code and/or the diagnostic text of
// a per-recipient block in a delivery-status report.
type dsnRule struct {
	no       string
	cat      string
	bounce   BounceType
	remove   bool
	statuses []string
	diag     *regexp.Regexp
}

var dsnRules = []dsnRule{
	{no: "0100", cat: "unknown", bounce: TypeHard, remove: true,
		statuses: []string{"5.1.1", "5.1.2", "5.1.3", "5.1.6", "5.1.8"}},
	{no: "0101", cat: "unknown", bounce: TypeHard, remove: true,
		diag: regexp.MustCompile(`(?i)user +unknown|unknown +user|no +such +(user|recipient|address)|recipient +.*(rejected|not +found)|invalid +recipient`)},
	{no: "0110", cat: "full", bounce: TypeSoft, remove: true,
		statuses: []string{"4.2.2", "5.2.2"}},
	{no: "0111", cat: "full", bounce: TypeSoft, remove: true,
		diag: regexp.MustCompile(`(?i)mailbox +(is +)?full|over +?quota|quota +exceeded|insufficient +storage`)},
	{no: "0120", cat: "inactive", bounce: TypeHard, remove: true,
		statuses: []string{"5.2.1"}},
	{no: "0130", cat: "oversize", bounce: TypeSoft, remove: true,
		statuses: []string{"5.2.3", "5.3.4"}},
	{no: "0140", cat: "antispam", bounce: TypeAntispam, remove: false,
		statuses: []string{"5.7.0", "5.7.1"}},
	{no: "0150", cat: "dns_unknown", bounce: TypeDNSUnknown, remove: true,
		statuses: []string{"5.4.4", "5.4.6"}},
	{no: "0160", cat: "command_reject", bounce: TypeHard, remove: true,
		statuses: []string{"5.5.0", "5.5.1", "5.5.2", "5.5.4"}},
	{no: "0170", cat: "delayed", bounce: TypeDelayed, remove: false,
		diag: regexp.MustCompile(`(?i)delivery +.*(delayed|deferred)|could +not +be +delivered +for`)},
	// Transient catch-all. Specific 4.x.x rules above take precedence.
	{no: "0180", cat: "defer", bounce: TypeDefer, remove: false,
		statuses: []string{"4."}},
	// Permanent catch-all.
	{no: "0190", cat: "other", bounce: TypeHard, remove: true,
		statuses: []string{"5."}},
}

// ClassifyDSN is the built-in DSN rule engine. It reads the per-recipient
// fields of the machine-readable report (part 2 of a multipart/report) and
// applies the default rule table. Callers with their own rule sets can swap
// it out or layer a DSNOverride on top of it.
func ClassifyDSN(explanation, report string, debug bool) Result {
	fields := parseStatusFields(report)

	res := Unmatched()
	res.StatusCode = fields["status"]
	res.Action = fields["action"]
	res.DiagnosticCode = fields["diagnostic-code"]

	if email := fields["original-recipient"]; email != "" {
		res.Email = stripRecipientToken(email)
	} else if email := fields["final-recipient"]; email != "" {
		res.Email = stripRecipientToken(email)
	}

	// A report whose action is not a failure is an auto-ack, not a bounce.
	switch strings.ToLower(fields["action"]) {
	case "delivered", "expanded", "relayed":
		return res
	case "delayed":
		res.RuleNo = "0170"
		res.RuleCat = "delayed"
		res.BounceType = TypeDelayed
		return res
	}

	diag := fields["diagnostic-code"]
	if diag == "" {
		diag = explanation
	}

	for _, rule := range dsnRules {
		if rule.matches(fields["status"], diag) {
			res.RuleNo = rule.no
			res.RuleCat = rule.cat
			res.BounceType = rule.bounce
			res.Remove = rule.remove
			return res
		}
	}

	return res
}

func (r dsnRule) matches(status, diag string) bool {
	for _, s := range r.statuses {
		if strings.HasPrefix(status, s) {
			return true
		}
	}
	if r.diag != nil && diag != "" {
		return r.diag.MatchString(diag)
	}
	return false
}

// parseStatusFields flattens the delivery-status text into a lower-cased
// field map. Later per-recipient blocks overwrite the per-message block,
// which is the behavior wanted for single-recipient bounces.
func parseStatusFields(report string) map[string]string {
	fields := map[string]string{}
	var lastKey string

	scanner := bufio.NewScanner(strings.NewReader(report))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			lastKey = ""
			continue
		}
		// Folded continuation line.
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && lastKey != "" {
			fields[lastKey] += " " + strings.TrimSpace(line)
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		lastKey = strings.ToLower(strings.TrimSpace(key))
		fields[lastKey] = strings.TrimSpace(value)
	}

	return fields
}

// stripRecipientToken reduces "rfc822; user@example.com" (optionally angle
// bracketed) to the bare address.
func stripRecipientToken(value string) string {
	if _, addr, ok := strings.Cut(value, ";"); ok {
		value = addr
	}
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "<")
	value = strings.TrimSuffix(value, ">")
	return strings.TrimSpace(value)
}
