package watcher

import (
	"regexp"
	"strings"

	"leadpilot/mailer"
)

var autoSubjectRe = regexp.MustCompile(`(?i)(out of office|automatic reply|auto[ -]?reply|autoreply|delivery status notification|undeliverable|mail delivery (failed|subsystem)|vacation respon)`)

// Mailbox local parts that never belong to a human lead.
var bulkLocalParts = []string{
	"no-reply", "noreply", "donotreply", "do-not-reply",
	"mailer-daemon", "postmaster", "bounce", "bounces",
	"notifications", "notification", "alerts", "newsletter",
}

// Sending domains used by bulk/transactional platforms.
var bulkDomains = []string{
	"amazonses.com",
	"sendgrid.net",
	"mailgun.org",
	"mandrillapp.com",
	"sparkpostmail.com",
}

// IsAutomated reports whether the message is machine-generated: OOO,
// bounces, list mail. Automated mail never counts as a reply but still
// counts toward the watermark.
func IsAutomated(md *mailer.Metadata) bool {
	auto := strings.ToLower(strings.TrimSpace(md.AutoSubmitted))
	if auto != "" && auto != "no" {
		return true
	}
	if strings.TrimSpace(md.ListID) != "" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(md.Precedence)) {
	case "bulk", "list", "junk", "auto_reply":
		return true
	}
	return autoSubjectRe.MatchString(md.Subject)
}

// IsBulkSender reports whether the address pattern marks a non-human
// sender.
func IsBulkSender(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	local, domain, found := strings.Cut(email, "@")
	if !found {
		return false
	}
	for _, p := range bulkLocalParts {
		if local == p || strings.HasPrefix(local, p+"+") {
			return true
		}
	}
	for _, d := range bulkDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}
