package thread

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arganhr/mailroom/internal/llm"
	"github.com/arganhr/mailroom/internal/mailctx"
)

type mockCompleter struct {
	doc   string
	err   error
	calls int
}

func (m *mockCompleter) Complete(ctx context.Context, system, user string, out any) error {
	m.calls++
	if m.err != nil {
		return m.err
	}
	return json.Unmarshal([]byte(m.doc), out)
}

func testContext(body string) *mailctx.Context {
	return &mailctx.Context{
		Subject:    "Payroll query",
		TextBody:   body,
		FromRaw:    `"Rebecca Thompson" <rebecca@client.example>`,
		FromAddr:   "rebecca@client.example",
		ReceivedAt: time.Date(2025, 6, 3, 5, 55, 0, 0, time.UTC),
	}
}

func TestParse_EmptyBody(t *testing.T) {
	p := NewParser(nil, time.UTC, zap.NewNop())
	if got := p.Parse(context.Background(), testContext("   \n ")); got != nil {
		t.Errorf("Parse = %v, want nil for empty body", got)
	}
}

func TestParse_NoQuotes_SingleEntry(t *testing.T) {
	p := NewParser(nil, time.UTC, zap.NewNop())
	got := p.Parse(context.Background(), testContext("Please check June payroll.\nThanks"))
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	e := got[0]
	if e.Order != 1 {
		t.Errorf("Order = %d", e.Order)
	}
	if e.SenderEmail != "rebecca@client.example" {
		t.Errorf("SenderEmail = %q", e.SenderEmail)
	}
	if e.SenderName != "Rebecca Thompson" {
		t.Errorf("SenderName = %q", e.SenderName)
	}
	if !strings.Contains(e.Content, "June payroll") {
		t.Errorf("Content = %q", e.Content)
	}
}

func TestParse_QuotedThread_ModelEntriesPlusLive(t *testing.T) {
	mc := &mockCompleter{doc: `{"entries":[
		{"sender_email":"agent@arganhr.example","sender_name":"Sam","sender_datetime":"02/06/2025 14:00 UTC","content":"We will look into it."},
		{"sender_email":"rebecca@client.example","sender_name":"Rebecca","sender_datetime":"01/06/2025 09:30 UTC","content":"Original question here."}
	]}`}
	p := NewParser(mc, time.UTC, zap.NewNop())

	body := "Thanks, any update?\n\nOn Mon, 2 Jun 2025 at 14:00, Sam wrote:\n> We will look into it."
	got := p.Parse(context.Background(), testContext(body))
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (2 quoted + live)", len(got))
	}
	last := got[len(got)-1]
	if last.SenderEmail != "rebecca@client.example" || !strings.Contains(last.Content, "any update") {
		t.Errorf("live entry = %+v", last)
	}
	for i, e := range got {
		if e.Order != i+1 {
			t.Errorf("Order[%d] = %d, want contiguous from 1", i, e.Order)
		}
	}
	if mc.calls != 1 {
		t.Errorf("calls = %d", mc.calls)
	}
}

func TestParse_BodyStartsAtQuote_NoEmptyLiveEntry(t *testing.T) {
	mc := &mockCompleter{doc: `{"entries":[
		{"sender_email":"sam@arganhr.example","sender_name":"Sam","sender_datetime":"02/06/2025 14:00 UTC","content":"Forwarded detail."}
	]}`}
	p := NewParser(mc, time.UTC, zap.NewNop())

	body := "On Mon, 2 Jun 2025 at 14:00, Sam wrote:\n> Forwarded detail."
	got := p.Parse(context.Background(), testContext(body))
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (no entry for the empty live part)", len(got))
	}
	if got[0].SenderEmail != "sam@arganhr.example" || got[0].Order != 1 {
		t.Errorf("entry = %+v", got[0])
	}
	if strings.TrimSpace(got[0].Content) == "" {
		t.Error("empty content entry stored")
	}
}

func TestParse_ModelFailure_SyntheticSingleEntry(t *testing.T) {
	p := NewParser(&mockCompleter{err: llm.ErrUnavailable}, time.UTC, zap.NewNop())

	body := "New reply.\n\nOn Mon, 2 Jun 2025 at 14:00, Sam wrote:\n> Earlier message."
	got := p.Parse(context.Background(), testContext(body))
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 synthetic entry", len(got))
	}
	e := got[0]
	if e.SenderEmail != "rebecca@client.example" || e.Order != 1 {
		t.Errorf("entry = %+v", e)
	}
	if !strings.Contains(e.Content, "Earlier message") {
		t.Error("synthetic entry lost the quoted text")
	}
}

func TestParse_LiveEntryPrefersDateHeader(t *testing.T) {
	p := NewParser(nil, time.UTC, zap.NewNop())
	ctx := testContext("Hello")
	ctx.DateHeader = "Tue, 03 Jun 2025 05:55:00 +0000"
	got := p.Parse(context.Background(), ctx)
	if len(got) != 1 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].SenderDatetime != "03/06/2025 05:55 UTC" {
		t.Errorf("SenderDatetime = %q", got[0].SenderDatetime)
	}
}

func TestNormalizeSender(t *testing.T) {
	if got := normalizeSender("  Jane@X.example ", ""); got != "jane@x.example" {
		t.Errorf("got %q", got)
	}
	if got := normalizeSender("", "Jane Doe"); got != "janedoe@unknown" {
		t.Errorf("got %q", got)
	}
	if got := normalizeSender("", ""); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestSplitAtFirstQuote(t *testing.T) {
	body := "Top reply.\nOn Mon, Sam wrote:\n> quoted"
	live, quoted := splitAtFirstQuote(body)
	if !strings.Contains(live, "Top reply") || strings.Contains(live, "quoted") {
		t.Errorf("live = %q", live)
	}
	if !strings.HasPrefix(quoted, "On Mon") {
		t.Errorf("quoted = %q", quoted)
	}

	live, quoted = splitAtFirstQuote("no markers here")
	if quoted != "" || live != "no markers here" {
		t.Errorf("live=%q quoted=%q", live, quoted)
	}
}

func TestSplitAtFirstQuote_OriginalMessageSeparator(t *testing.T) {
	_, quoted := splitAtFirstQuote("reply\n-----Original Message-----\nold text")
	if !strings.Contains(quoted, "old text") {
		t.Errorf("quoted = %q", quoted)
	}
}
