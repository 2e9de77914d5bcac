package generation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"leadpilot/crm"
)

func TestBuildContext_UsesPriorTouch(t *testing.T) {
	f := crm.DefaultFieldsMap()
	lead := crm.NewLead(crm.Row{
		f.Email:              "jane@prospect.com",
		f.FirstName:          " Jane ",
		f.Company:            "Prospect Co",
		f.Stage:              "Follow Up 1 Sent",
		f.OpenerSubject:      "Intro to Acme",
		f.OpenerBody:         "opener body",
		f.FollowupSubject(1): "Re: Intro to Acme",
		f.FollowupBody(1):    "first nudge",
	}, f)

	dc := BuildContext(lead, 2)
	require.Equal(t, 2, dc.Step)
	require.Equal(t, "Jane", dc.FirstName)
	require.Equal(t, "Prospect Co", dc.Company)
	require.Equal(t, "Re: Intro to Acme", dc.PrevSubject)
	require.Equal(t, "first nudge", dc.PrevBody)
}

func TestTemplateWriter_Deterministic(t *testing.T) {
	w := &TemplateWriter{}
	dc := &Context{Step: 1, FirstName: "Jane", Company: "Prospect Co", PrevSubject: "Intro to Acme"}

	a, err := w.Draft(context.Background(), 1, dc)
	require.NoError(t, err)
	b, err := w.Draft(context.Background(), 1, dc)
	require.NoError(t, err)
	require.Equal(t, a, b, "same inputs must draft the same message")

	require.Equal(t, "Re: Intro to Acme", a.Subject)
	require.Contains(t, a.Body, "Hi Jane,")
	require.Contains(t, a.Body, "Prospect Co")
}

func TestTemplateWriter_Fallbacks(t *testing.T) {
	w := &TemplateWriter{}

	// No name, no company, no prior subject.
	d, err := w.Draft(context.Background(), 2, &Context{Step: 2})
	require.NoError(t, err)
	require.Equal(t, "Quick follow-up", d.Subject)
	require.Contains(t, d.Body, "Hi there,")
	require.NotContains(t, d.Body, "  ", "empty company must not leave a gap")

	// A subject already carrying Re: is not doubled.
	d, err = w.Draft(context.Background(), 2, &Context{Step: 2, PrevSubject: "Re: Intro"})
	require.NoError(t, err)
	require.Equal(t, "Re: Intro", d.Subject)
	require.False(t, strings.HasPrefix(d.Subject, "Re: Re:"))
}

func TestTemplateWriter_StepsBeyondTableUseFallbackBody(t *testing.T) {
	w := &TemplateWriter{}
	d, err := w.Draft(context.Background(), 6, &Context{Step: 6, FirstName: "Jane"})
	require.NoError(t, err)
	require.Contains(t, d.Body, "Hi Jane,")
	require.NotEmpty(t, d.Subject)
}
