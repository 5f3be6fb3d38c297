package extract

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/arganhr/mailroom/internal/llm"
)

type mockCompleter struct {
	doc string
	err error
}

func (m *mockCompleter) Complete(ctx context.Context, system, user string, out any) error {
	if m.err != nil {
		return m.err
	}
	return json.Unmarshal([]byte(m.doc), out)
}

func TestSenderName_Model(t *testing.T) {
	e := New(&mockCompleter{
		doc: `{"full_name":"Rebecca Thompson","first":"Rebecca","last":"Thompson","confidence":0.9}`,
	}, zap.NewNop())

	res := e.SenderName(context.Background(), "Kind regards,\nRebecca Thompson", "rt@client.example")
	if res.First != "Rebecca" || res.Last != "Thompson" {
		t.Errorf("res = %+v", res)
	}
	if res.Confidence != 0.9 {
		t.Errorf("Confidence = %v", res.Confidence)
	}
}

func TestSenderName_FallbackOnError(t *testing.T) {
	e := New(&mockCompleter{err: llm.ErrUnavailable}, zap.NewNop())

	res := e.SenderName(context.Background(), "body", "john.doe@client.example")
	if res.First != "John" || res.Last != "Doe" {
		t.Errorf("res = %+v, want John/Doe from local part", res)
	}
	if res.FullName != "John Doe" {
		t.Errorf("FullName = %q", res.FullName)
	}
}

func TestSenderName_FallbackUnderscore(t *testing.T) {
	e := New(nil, zap.NewNop())
	res := e.SenderName(context.Background(), "", "jane_smith@client.example")
	if res.First != "Jane" || res.Last != "Smith" {
		t.Errorf("res = %+v", res)
	}
}

func TestSenderName_FallbackSingleToken(t *testing.T) {
	e := New(nil, zap.NewNop())
	res := e.SenderName(context.Background(), "", "accounts@client.example")
	if res.First != "Accounts" || res.Last != "" {
		t.Errorf("res = %+v", res)
	}
}

func TestSenderName_EmptyModelNameFallsBack(t *testing.T) {
	e := New(&mockCompleter{doc: `{"full_name":"","confidence":0}`}, zap.NewNop())
	res := e.SenderName(context.Background(), "no signature here", "js@client.example")
	if res.First != "Js" {
		t.Errorf("res = %+v, want local-part fallback", res)
	}
}

func TestOrganization_Model(t *testing.T) {
	e := New(&mockCompleter{doc: `{"org_name":"TechFlow Solutions Ltd"}`}, zap.NewNop())
	got := e.Organization(context.Background(), "signature with company")
	if got != "TechFlow Solutions Ltd" {
		t.Errorf("Organization = %q", got)
	}
}

func TestOrganization_FallbackEmpty(t *testing.T) {
	e := New(&mockCompleter{err: llm.ErrUnavailable}, zap.NewNop())
	if got := e.Organization(context.Background(), "body"); got != "" {
		t.Errorf("Organization = %q, want empty fallback", got)
	}

	e = New(nil, zap.NewNop())
	if got := e.Organization(context.Background(), "body"); got != "" {
		t.Errorf("Organization = %q, want empty when disabled", got)
	}
}
