package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sonar/internal/agentcall"
	"sonar/internal/config"
	"sonar/internal/consumer"
	"sonar/internal/export"
	"sonar/internal/logging"
	"sonar/internal/narration"
	"sonar/internal/observability"
	"sonar/internal/slackgw"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "sonar",
		Short:        "Slack gateway that narrates and records multi-agent conversations",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to sonar.yaml")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.NewComponentLogger("Main")
	logger.Info("starting sonar (agent=%s alias=%s region=%s)", cfg.Agent.ID, cfg.Agent.AliasID, cfg.Agent.Region)

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Enabled:        cfg.Metrics.Enabled,
		PrometheusPort: cfg.Metrics.PrometheusPort,
	})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	tracing, err := observability.NewTracerProvider(observability.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		Exporter:       cfg.Tracing.Exporter,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		ZipkinEndpoint: cfg.Tracing.ZipkinEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		ServiceVersion: cfg.Tracing.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Agent.Region))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	invoker := agentcall.NewBedrockInvoker(
		bedrockagentruntime.NewFromConfig(awsCfg),
		cfg.Agent.ID, cfg.Agent.AliasID,
		logging.NewComponentLogger("Bedrock"),
	)

	var sinks []export.Sink
	if cfg.Export.Bucket != "" {
		sinks = append(sinks, export.NewS3Sink(s3.NewFromConfig(awsCfg), cfg.Export.Bucket))
	}
	if cfg.Export.LocalDir != "" {
		sinks = append(sinks, export.NewFilesystemSink(cfg.Export.LocalDir))
	}
	exporter := export.NewExporter(sinks, cfg.Export.Prefix, metrics, tracing, logging.NewComponentLogger("Export"))

	var tokens slackgw.TokenSource
	if cfg.Slack.SecretARN != "" {
		tokens = slackgw.NewSecretsManagerSource(
			secretsmanager.NewFromConfig(awsCfg),
			cfg.Slack.SecretARN,
			cfg.TokenCacheTTL,
			logging.NewComponentLogger("Tokens"),
		)
	} else {
		tokens = slackgw.StaticTokens{BotToken: cfg.Slack.BotToken, AppToken: cfg.Slack.AppToken}
	}

	consumerCfg := consumer.Config{
		Narration: narration.ControllerConfig{
			MinInterval:         cfg.Narration.MinInterval,
			UpdateBudget:        cfg.Narration.UpdateBudget,
			SimilarityThreshold: cfg.Narration.SimilarityThreshold,
		},
		DeliveryTimeout:  cfg.Narration.DeliveryTimeout,
		AlmostReadyAfter: cfg.Narration.AlmostReadyAfter,
	}

	gateway, err := slackgw.NewGateway(slackgw.Config{
		AllowDirect:   cfg.Slack.AllowDirect,
		AllowGroups:   cfg.Slack.AllowGroups,
		InvokeTimeout: cfg.Agent.InvokeTimeout,
	}, invoker, consumerCfg, exporter, tokens, metrics, tracing, logging.NewComponentLogger("SlackGW"))
	if err != nil {
		return err
	}

	admin := adminServer(cfg.AdminPort)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := admin.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		err := gateway.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("slack gateway: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown requested, draining conversations")
		gateway.Wait()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin shutdown: %v", err)
		}
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown: %v", err)
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown: %v", err)
		}
		return nil
	})

	err = group.Wait()
	logger.Info("sonar stopped")
	return err
}

// adminServer exposes liveness and readiness endpoints next to the
// Prometheus port.
func adminServer(port int) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}
}
