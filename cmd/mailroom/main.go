// Command mailroom runs the inbound email webhook service: it receives
// gateway deliveries, classifies them as new or existing support tickets,
// persists them, and acknowledges new enquiries by email.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arganhr/mailroom/internal/ack"
	"github.com/arganhr/mailroom/internal/classify"
	"github.com/arganhr/mailroom/internal/config"
	"github.com/arganhr/mailroom/internal/dedup"
	"github.com/arganhr/mailroom/internal/extract"
	"github.com/arganhr/mailroom/internal/httpapi"
	"github.com/arganhr/mailroom/internal/llm"
	"github.com/arganhr/mailroom/internal/loopguard"
	"github.com/arganhr/mailroom/internal/pipeline"
	"github.com/arganhr/mailroom/internal/store"
	"github.com/arganhr/mailroom/internal/thread"
	"github.com/arganhr/mailroom/internal/ticket"
)

// Exit codes.
const (
	exitConfig      = 1
	exitBind        = 2
	exitHealthcheck = 3
)

const healthcheckTimeout = 10 * time.Second

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration invalid", zap.Error(err))
		os.Exit(exitConfig)
	}

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("aws configuration failed", zap.Error(err))
		os.Exit(exitConfig)
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg)

	var completer llm.Completer
	if cfg.LLMEnabled {
		completer = llm.NewClient(bedrockruntime.NewFromConfig(awsCfg), llm.Config{
			ModelID:  cfg.LLMModel,
			Deadline: cfg.LLMDeadline,
		})
	} else {
		logger.Info("model calls disabled, deterministic fallbacks only")
	}

	st := store.New(dynamoClient, store.Config{
		Table:    cfg.StoreTable,
		Deadline: cfg.StoreDeadline,
		WriteQPS: cfg.StoreWriteQPS,
	}, logger)

	var modelClient modelLister
	if cfg.LLMEnabled {
		modelClient = bedrock.NewFromConfig(awsCfg)
	}
	if err := healthcheck(ctx, dynamoClient, modelClient, cfg, logger); err != nil {
		logger.Error("startup healthcheck failed", zap.Error(err))
		os.Exit(exitHealthcheck)
	}

	deps := pipeline.Deps{
		Gate:       dedup.NewGate(cfg.DedupTTL),
		Guard:      loopguard.New(cfg.FromAddr, cfg.MarkerPhrase, cfg.Prefix, cfg.ShortName),
		Classifier: classify.New(completer, cfg.Prefix, logger),
		Allocator:  ticket.NewAllocator(st, cfg.Prefix, cfg.Timezone, logger),
		Extractor:  extract.New(completer, logger),
		Parser:     thread.NewParser(completer, cfg.Timezone, logger),
		Merger:     thread.NewMerger(completer, logger),
		Store:      st,
		Composer:   ack.NewComposer(cfg.ShortName, cfg.MarkerPhrase, cfg.AckTemplateText, cfg.AckTemplateHTML),
		Sender: ack.NewSender(ack.Config{
			Endpoint:  cfg.MailEndpoint,
			APIKey:    cfg.MailAPIKey,
			FromAddr:  cfg.FromAddr,
			FromName:  cfg.ShortName,
			CCAddr:    cfg.CCAddr,
			Deadline:  cfg.MailDeadline,
			Retries:   cfg.MailRetries,
			BaseDelay: cfg.MailBaseDelay,
		}, logger),
	}
	p := pipeline.New(deps, cfg.RequestDeadline, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request", zap.String("uri", v.URI), zap.Int("status", v.Status))
			return nil
		},
	}))
	e.Use(middleware.Recover())

	httpapi.RegisterRoutes(e, p, logger)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("mailroom listening", zap.String("addr", cfg.Addr))
		serveErr <- e.Start(cfg.Addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", zap.Error(err))
			os.Exit(exitBind)
		}
	case <-quit:
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("mailroom shut down cleanly")
}

// tableDescriber is the slice of the DynamoDB API the healthcheck needs.
type tableDescriber interface {
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// modelLister is the slice of the Bedrock control-plane API the healthcheck
// needs.
type modelLister interface {
	ListFoundationModels(ctx context.Context, in *bedrock.ListFoundationModelsInput, opts ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
}

// healthcheck verifies the required external endpoints concurrently: the
// ticket table must exist, the mail provider must answer, and the model
// endpoint must be reachable when model calls are enabled (models is nil
// otherwise).
func healthcheck(ctx context.Context, dynamoClient tableDescriber, models modelLister, cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, healthcheckTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := dynamoClient.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: &cfg.StoreTable,
		})
		if err != nil {
			return fmt.Errorf("store table %s: %w", cfg.StoreTable, err)
		}
		return nil
	})
	if models != nil {
		g.Go(func() error {
			if _, err := models.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{}); err != nil {
				return fmt.Errorf("model endpoint: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.MailEndpoint, nil)
		if err != nil {
			return fmt.Errorf("mail endpoint: %w", err)
		}
		// Any HTTP response counts as reachable; the send path handles
		// provider-level rejections itself.
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("mail endpoint %s: %w", cfg.MailEndpoint, err)
		}
		resp.Body.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("startup healthcheck passed")
	return nil
}
