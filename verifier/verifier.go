package verifier

import (
	"net"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/likexian/whois"
	"github.com/sirupsen/logrus"

	"leadpilot/crm"
)

// MX providers that accept everything and sort it later; replies from
// behind them can't confirm the mailbox exists.
var catchAllMXHints = []string{
	"mail.protection.outlook.com",
	"mx.yandex.net",
	"improvmx.com",
	"forwardemail.net",
}

const minDomainAge = 30 * 24 * time.Hour

// Verifier classifies an address's mail-acceptance risk. It runs before a
// lead enters a sequence; the engine only sends to Safe addresses.
type Verifier struct {
	Log *logrus.Logger
	Now func() time.Time

	// Stubbed in tests.
	lookupMX func(domain string) ([]*net.MX, error)
	whoisFn  func(domain string) (string, error)
}

func New(log *logrus.Logger) *Verifier {
	return &Verifier{
		Log:      log,
		lookupMX: net.LookupMX,
		whoisFn: func(domain string) (string, error) {
			return whois.Whois(domain)
		},
	}
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Classify returns one of the crm.Deliverability values for an address.
func (v *Verifier) Classify(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := checkmail.ValidateFormat(email); err != nil {
		return crm.DeliverabilityRisky
	}

	_, domain, found := strings.Cut(email, "@")
	if !found || domain == "" {
		return crm.DeliverabilityRisky
	}

	mxs, err := v.lookupMX(domain)
	if err != nil || len(mxs) == 0 {
		return crm.DeliverabilityRisky
	}
	for _, mx := range mxs {
		host := strings.ToLower(strings.TrimSuffix(mx.Host, "."))
		for _, hint := range catchAllMXHints {
			if strings.HasSuffix(host, hint) {
				return crm.DeliverabilityCatchAll
			}
		}
	}

	if age, ok := v.domainAge(domain); ok && age < minDomainAge {
		return crm.DeliverabilityRisky
	}
	return crm.DeliverabilitySafe
}

// domainAge reads the registration date from whois. Whois output is
// free-form, so a parse failure just means "age unknown".
func (v *Verifier) domainAge(domain string) (time.Duration, bool) {
	raw, err := v.whoisFn(domain)
	if err != nil {
		if v.Log != nil {
			v.Log.WithError(err).WithField("domain", domain).Debug("whois lookup failed")
		}
		return 0, false
	}
	created, ok := parseCreationDate(raw)
	if !ok {
		return 0, false
	}
	return v.now().Sub(created), true
}

var creationKeys = []string{"creation date:", "created:", "registered on:", "registration time:"}

var creationLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-Jan-2006",
}

func parseCreationDate(raw string) (time.Time, bool) {
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		for _, key := range creationKeys {
			if !strings.HasPrefix(lower, key) {
				continue
			}
			val := strings.TrimSpace(trimmed[len(key):])
			for _, layout := range creationLayouts {
				if t, err := time.Parse(layout, val); err == nil {
					return t, true
				}
			}
		}
	}
	return time.Time{}, false
}
