package thread

import (
	"net/url"
	"strings"
)

const gmailLinkPrefix = "https://mail.google.com/mail/u/0/#all/"

// IDToLink turns an opaque thread identifier into the link form stored in
// the CRM row.
func IDToLink(threadID string) string {
	threadID = strings.Trim(strings.TrimSpace(threadID), "<>")
	if threadID == "" {
		return ""
	}
	return gmailLinkPrefix + url.PathEscape(threadID)
}

// LinkToID extracts the thread identifier back out of a stored link.
// Values that are not links are treated as bare identifiers.
func LinkToID(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return strings.Trim(link, "<>")
	}
	// Older exports carried the id in a ?th= query parameter.
	if th := u.Query().Get("th"); th != "" {
		return th
	}
	frag := u.Fragment
	if frag == "" {
		frag = u.Path
	}
	if i := strings.LastIndex(frag, "/"); i >= 0 {
		frag = frag[i+1:]
	}
	if dec, err := url.PathUnescape(frag); err == nil {
		frag = dec
	}
	return frag
}
