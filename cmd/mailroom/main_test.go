package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"github.com/arganhr/mailroom/internal/config"
)

type mockTableDescriber struct {
	err   error
	calls int
}

func (m *mockTableDescriber) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

type mockModelLister struct {
	err   error
	calls int
}

func (m *mockModelLister) ListFoundationModels(ctx context.Context, in *bedrock.ListFoundationModelsInput, opts ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &bedrock.ListFoundationModelsOutput{}, nil
}

func testMailServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestHealthcheck_AllEndpointsUp(t *testing.T) {
	table := &mockTableDescriber{}
	models := &mockModelLister{}
	cfg := &config.Config{StoreTable: "tickets", MailEndpoint: testMailServer(t)}

	if err := healthcheck(context.Background(), table, models, cfg, zap.NewNop()); err != nil {
		t.Fatalf("healthcheck: %v", err)
	}
	if table.calls != 1 {
		t.Errorf("DescribeTable calls = %d", table.calls)
	}
	if models.calls != 1 {
		t.Errorf("ListFoundationModels calls = %d", models.calls)
	}
}

func TestHealthcheck_SkipsModelWhenDisabled(t *testing.T) {
	cfg := &config.Config{StoreTable: "tickets", MailEndpoint: testMailServer(t)}

	if err := healthcheck(context.Background(), &mockTableDescriber{}, nil, cfg, zap.NewNop()); err != nil {
		t.Fatalf("healthcheck: %v", err)
	}
}

func TestHealthcheck_ModelUnreachable(t *testing.T) {
	models := &mockModelLister{err: errors.New("no route to host")}
	cfg := &config.Config{StoreTable: "tickets", MailEndpoint: testMailServer(t)}

	err := healthcheck(context.Background(), &mockTableDescriber{}, models, cfg, zap.NewNop())
	if err == nil || !strings.Contains(err.Error(), "model endpoint") {
		t.Errorf("err = %v, want model endpoint failure", err)
	}
}

func TestHealthcheck_TableMissing(t *testing.T) {
	table := &mockTableDescriber{err: errors.New("ResourceNotFoundException")}
	cfg := &config.Config{StoreTable: "tickets", MailEndpoint: testMailServer(t)}

	err := healthcheck(context.Background(), table, nil, cfg, zap.NewNop())
	if err == nil || !strings.Contains(err.Error(), "store table") {
		t.Errorf("err = %v, want store table failure", err)
	}
}
