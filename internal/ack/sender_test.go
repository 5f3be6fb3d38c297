package ack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestSender(t *testing.T, handler http.HandlerFunc) (*Sender, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s := NewSender(Config{
		Endpoint:     srv.URL,
		APIKey:       "SG.test",
		FromAddr:     "support@arganhr.example",
		FromName:     "Argan HR Consultancy",
		CCAddr:       "ops@arganhr.example",
		Deadline:     2 * time.Second,
		Retries:      3,
		BaseDelay:    time.Millisecond,
		InitialDelay: time.Millisecond,
	}, zap.NewNop())
	return s, srv
}

func TestSend_Success(t *testing.T) {
	var got sendRequest
	s, _ := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer SG.test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	err := s.Send(context.Background(), "rebecca@client.example", Message{
		Subject:  "[ARG-20250603-0001] Argan HR Consultancy - Call Logged",
		TextBody: "text",
		HTMLBody: "<p>html</p>",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(got.Personalizations) != 1 {
		t.Fatalf("personalizations = %+v", got.Personalizations)
	}
	p := got.Personalizations[0]
	if len(p.To) != 1 || p.To[0].Email != "rebecca@client.example" {
		t.Errorf("to = %+v", p.To)
	}
	if len(p.CC) != 1 || p.CC[0].Email != "ops@arganhr.example" {
		t.Errorf("cc = %+v", p.CC)
	}
	if got.ReplyTo == nil || got.ReplyTo.Email != "rebecca@client.example" {
		t.Errorf("reply_to = %+v", got.ReplyTo)
	}
	if got.From.Email != "support@arganhr.example" {
		t.Errorf("from = %+v", got.From)
	}
	if len(got.Content) != 2 || got.Content[0].Type != "text/plain" || got.Content[1].Type != "text/html" {
		t.Errorf("content = %+v", got.Content)
	}
}

func TestSend_RetriesServerError(t *testing.T) {
	calls := 0
	s, _ := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	if err := s.Send(context.Background(), "rebecca@client.example", Message{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestSend_ExhaustsRetries(t *testing.T) {
	calls := 0
	s, _ := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := s.Send(context.Background(), "rebecca@client.example", Message{})
	if !errors.Is(err, ErrSendFailed) {
		t.Errorf("err = %v, want ErrSendFailed", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want the full attempt budget", calls)
	}
}

func TestSend_SingleAttemptWhenRetriesOne(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	s := NewSender(Config{
		Endpoint:     srv.URL,
		APIKey:       "SG.test",
		FromAddr:     "support@arganhr.example",
		Deadline:     2 * time.Second,
		Retries:      1,
		BaseDelay:    time.Millisecond,
		InitialDelay: time.Millisecond,
	}, zap.NewNop())

	err := s.Send(context.Background(), "rebecca@client.example", Message{})
	if !errors.Is(err, ErrSendFailed) {
		t.Errorf("err = %v, want ErrSendFailed", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSend_ClientErrorNoRetry(t *testing.T) {
	calls := 0
	s, _ := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	})

	err := s.Send(context.Background(), "rebecca@client.example", Message{})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("err = %v, want ErrRejected", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSend_ContextCancelled(t *testing.T) {
	s, _ := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, "rebecca@client.example", Message{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
