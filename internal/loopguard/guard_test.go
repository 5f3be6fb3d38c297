package loopguard

import (
	"testing"

	"github.com/arganhr/mailroom/internal/mailctx"
)

const marker = "We have received your enquiry and assigned it ticket number"

func newGuard() *Guard {
	return New("advice-bot@ops.example", marker, "ARG", "Argan HR Consultancy")
}

func TestCheck_FromOutboundAddr(t *testing.T) {
	g := newGuard()
	ctx := &mailctx.Context{FromAddr: "advice-bot@ops.example", Subject: "anything"}
	if got := g.Check(ctx); got != Ignore {
		t.Errorf("Check = %v, want Ignore", got)
	}
}

func TestCheck_EnvelopeFrom(t *testing.T) {
	g := newGuard()
	ctx := &mailctx.Context{
		FromAddr:     "forwarder@client.example",
		EnvelopeFrom: "advice-bot@ops.example",
	}
	if got := g.Check(ctx); got != Ignore {
		t.Errorf("Check = %v, want Ignore", got)
	}
}

func TestCheck_AckSubjectAndMarker(t *testing.T) {
	g := newGuard()
	ctx := &mailctx.Context{
		FromAddr: "forwarder@client.example",
		Subject:  "[ARG-20250603-0001] Argan HR Consultancy - Call Logged",
		TextBody: "Hi John,\n\nThank you for contacting us. " + marker + " ARG-20250603-0001.",
	}
	if got := g.Check(ctx); got != Ignore {
		t.Errorf("Check = %v, want Ignore", got)
	}
}

func TestCheck_AckSubjectWithoutMarkerProceeds(t *testing.T) {
	g := newGuard()
	// A customer reply can quote our subject without carrying the marker.
	ctx := &mailctx.Context{
		FromAddr: "js@client.example",
		Subject:  "Re: [ARG-20250603-0001] Argan HR Consultancy - Call Logged",
		TextBody: "Thanks, when can I expect an answer?",
	}
	if got := g.Check(ctx); got != Proceed {
		t.Errorf("Check = %v, want Proceed", got)
	}
}

func TestCheck_OrdinaryMailProceeds(t *testing.T) {
	g := newGuard()
	ctx := &mailctx.Context{
		FromAddr: "js@client.example",
		Subject:  "Holiday policy question",
		TextBody: "Hi team, how many days do we get?",
	}
	if got := g.Check(ctx); got != Proceed {
		t.Errorf("Check = %v, want Proceed", got)
	}
}
