package generation

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"leadpilot/crm"
)

// Context is everything a writer may use to draft one follow-up.
type Context struct {
	Step        int
	Stage       string
	Email       string
	FirstName   string
	LastName    string
	Company     string
	PrevSubject string
	PrevBody    string
}

// Draft is one subject/body pair ready to send.
type Draft struct {
	Subject string
	Body    string
}

// Drafter turns a context into a draft. Implementations must be free of
// side effects so a retried draft is safe.
type Drafter interface {
	Draft(ctx context.Context, step int, dc *Context) (*Draft, error)
}

// BuildContext collects the drafting inputs from a CRM row. step is the
// follow-up number about to be sent; the prior touch comes from the
// previous step's recorded subject and body.
func BuildContext(lead *crm.Lead, step int) *Context {
	prevSubject, prevBody := lead.PriorTouch(step)
	return &Context{
		Step:        step,
		Stage:       lead.Stage(),
		Email:       lead.Email(),
		FirstName:   strings.TrimSpace(lead.FirstName()),
		LastName:    strings.TrimSpace(lead.LastName()),
		Company:     strings.TrimSpace(lead.Company()),
		PrevSubject: prevSubject,
		PrevBody:    prevBody,
	}
}

var defaultBodies = map[int]string{
	1: "Hi {{.Name}},\n\nJust floating my last note back to the top of your inbox. Would love to hear your thoughts{{.CompanyClause}}.\n\nBest,",
	2: "Hi {{.Name}},\n\nCircling back in case my earlier note got buried. Happy to share more detail if useful{{.CompanyClause}}.\n\nBest,",
	3: "Hi {{.Name}},\n\nI know inboxes get busy, so one more gentle nudge on my earlier note{{.CompanyClause}}.\n\nBest,",
}

const fallbackBody = "Hi {{.Name}},\n\nFollowing up once more on my earlier note{{.CompanyClause}}. If now isn't the right time, no problem at all.\n\nBest,"

// TemplateWriter is the deterministic built-in Drafter. A model-backed
// writer can replace it behind the same interface.
type TemplateWriter struct{}

func (w *TemplateWriter) Draft(_ context.Context, step int, dc *Context) (*Draft, error) {
	raw, ok := defaultBodies[step]
	if !ok {
		raw = fallbackBody
	}
	tmpl, err := template.New("body").Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}

	name := dc.FirstName
	if name == "" {
		name = "there"
	}
	companyClause := ""
	if dc.Company != "" {
		companyClause = " on how this could work for " + dc.Company
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, struct {
		Name          string
		CompanyClause string
	}{name, companyClause})
	if err != nil {
		return nil, fmt.Errorf("render body template: %w", err)
	}

	return &Draft{
		Subject: replySubject(dc.PrevSubject),
		Body:    buf.String(),
	}, nil
}

func replySubject(prev string) string {
	prev = strings.TrimSpace(prev)
	if prev == "" {
		return "Quick follow-up"
	}
	if strings.HasPrefix(strings.ToLower(prev), "re:") {
		return prev
	}
	return "Re: " + prev
}
