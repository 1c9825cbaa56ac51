// Command proptrack runs the daily property-data collection and
// processing pipeline for a single metro area (SPEC_FULL.md §4.14).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/desertdata/proptrack/pkg/collector/assessor"
	"github.com/desertdata/proptrack/pkg/collector/mlsscrape"
	"github.com/desertdata/proptrack/pkg/config"
	"github.com/desertdata/proptrack/pkg/extract"
	"github.com/desertdata/proptrack/pkg/httpserver"
	"github.com/desertdata/proptrack/pkg/llm"
	"github.com/desertdata/proptrack/pkg/metrics"
	"github.com/desertdata/proptrack/pkg/mlsselectors"
	"github.com/desertdata/proptrack/pkg/orchestrator"
	"github.com/desertdata/proptrack/pkg/pipeline"
	"github.com/desertdata/proptrack/pkg/propmodel"
	"github.com/desertdata/proptrack/pkg/proxypool"
	"github.com/desertdata/proptrack/pkg/ratelimit"
	"github.com/desertdata/proptrack/pkg/repository"
	"github.com/desertdata/proptrack/pkg/repository/postgres"
	"github.com/desertdata/proptrack/pkg/validate"
	"github.com/desertdata/proptrack/pkg/version"
)

func main() {
	root := &cobra.Command{
		Use:     "proptrack",
		Short:   "Collects, extracts, and validates property listings for a single metro area",
		Version: version.Full(),
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "proptrack.yaml", "path to proptrack.yaml")

	exitCode := 0
	root.AddCommand(
		newRunCmd(&configPath, &exitCode),
		newMigrateCmd(&configPath),
		newHealthcheckCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler).With("app", version.AppName, "version", version.Full(), "go_version", version.GoVersion)
}

// App is the process-wide component graph: built once in a command's RunE
// and torn down in reverse order via defer (spec §9's singleton guidance).
type App struct {
	cfg    *config.Config
	log    *slog.Logger
	repo   *postgres.Client
	llm    *llm.Client
	reg    *prometheus.Registry
	mtx    *metrics.Registry
	http   *httpserver.Server
}

func buildApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg.LogLevel)

	repo, err := postgres.Open(ctx, postgres.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	llmClient := llm.New(llm.Config{
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		Timeout:    time.Duration(cfg.LLM.TimeoutS) * time.Second,
		MaxRetries: cfg.LLM.MaxRetries,
	}, log)

	reg := prometheus.NewRegistry()
	mtx := metrics.New(reg)

	httpSrv := httpserver.New(httpserver.Config{Addr: cfg.MetricsAddr}, repo, llmClient, reg)

	return &App{cfg: cfg, log: log, repo: repo, llm: llmClient, reg: reg, mtx: mtx, http: httpSrv}, nil
}

func (a *App) Close() {
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.log.Warn("error closing database", "error", err)
		}
	}
}

func parseProxyEndpoints(raw []string) ([]proxypool.Endpoint, error) {
	endpoints := make([]proxypool.Endpoint, 0, len(raw))
	for _, entry := range raw {
		host, portStr, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("proxy endpoint %q must be host:port", entry)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("proxy endpoint %q has invalid port: %w", entry, err)
		}
		endpoints = append(endpoints, proxypool.Endpoint{Host: host, Port: port})
	}
	return endpoints, nil
}

func buildBindings(a *App) ([]orchestrator.Binding, error) {
	cfg := a.cfg

	limiter := ratelimit.New(metrics.NewRateLimitObserver(a.mtx))
	assessorCollector := assessor.New(assessor.Config{
		BaseURL:    cfg.Assessor.BaseURL,
		APIKey:     cfg.Assessor.APIKey,
		Resource:   cfg.Assessor.Resource,
		MaxRetries: cfg.Assessor.MaxRetries,
		RateLimit:  cfg.Assessor.RateLimitPerHour,
	}, limiter, a.log)

	if err := assessorCollector.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("assessor collector: %w", err)
	}

	endpoints, err := parseProxyEndpoints(cfg.Proxy.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("proxy endpoints: %w", err)
	}
	for i := range endpoints {
		endpoints[i].User = cfg.Proxy.Username
		endpoints[i].Pass = cfg.Proxy.Password
	}
	pool := proxypool.New(endpoints, proxypool.Config{MaxFailures: cfg.Proxy.MaxFailures})

	selectors, err := mlsselectors.Load(cfg.MLS.SelectorsPath)
	if err != nil {
		a.log.Warn("falling back to default MLS selectors", "error", err)
		selectors = mlsselectors.Default()
	}

	respectRobots := true
	if cfg.MLS.RespectRobots != nil {
		respectRobots = *cfg.MLS.RespectRobots
	}
	mlsCollector := mlsscrape.New(mlsscrape.Config{
		SearchBaseURL: cfg.MLS.BaseURL,
		MaxRetries:    cfg.MLS.MaxRetries,
		PageTimeout:   time.Duration(cfg.MLS.PageTimeoutMS) * time.Millisecond,
		RespectRobots: respectRobots,
	}, pool, selectors, a.log)

	if err := mlsCollector.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("mls collector: %w", err)
	}

	return []orchestrator.Binding{
		{Source: propmodel.SourceAssessorAPI, Collector: assessorCollector},
		{Source: propmodel.SourceMLSScrape, Collector: mlsCollector},
	}, nil
}

func buildPipeline(a *App, repo repository.Repository) *pipeline.Pipeline {
	cfg := a.cfg
	extractor := extract.New(a.llm, nil, extract.Config{
		FallbackEnabled: true,
		BatchSize:       cfg.LLM.BatchSize,
	}, a.log)
	validator := validate.New(validate.Config{
		MinPrice:         cfg.Validation.MinPrice,
		MaxPrice:         cfg.Validation.MaxPrice,
		ConfidenceThresh: cfg.Validation.MinConfidence,
		StrictMode:       cfg.Validation.Strict,
	})
	return pipeline.New(extractor, validator, repo, pipeline.Config{
		BatchSize:     cfg.Processing.BatchSize,
		MaxConcurrent: cfg.Processing.MaxConcurrent,
		EnableStorage: cfg.Processing.EnableStorage,
	}, a.log)
}

func newRunCmd(configPath *string, exitCode *int) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one daily collection and processing cycle to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			app, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			errCh := app.http.Start()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := app.http.Shutdown(shutdownCtx); err != nil {
					app.log.Warn("error shutting down http server", "error", err)
				}
			}()
			go func() {
				if err := <-errCh; err != nil {
					app.log.Error("http server failed", "error", err)
				}
			}()

			bindings, err := buildBindings(app)
			if err != nil {
				return err
			}

			pl := buildPipeline(app, app.repo)

			mode := orchestrator.ModeSequential
			if app.cfg.Orchestration.Mode == string(orchestrator.ModeParallel) {
				mode = orchestrator.ModeParallel
			}

			orch := orchestrator.New(bindings, app.cfg.TargetZipCodes, pl, app.repo, app.llm, orchestrator.Config{
				Mode:                       mode,
				BudgetMinutes:              app.cfg.Orchestration.BudgetMinutes,
				PerCollectorTimeoutMinutes: app.cfg.Orchestration.PerCollectorTimeoutMinutes,
				ReportsDir:                 app.cfg.ReportsDir,
			}, app.log)

			result, err := orch.Run(ctx)
			if err != nil {
				app.log.Error("run failed", "error", err)
				*exitCode = 1
				return nil
			}

			app.log.Info("run complete",
				"total_processed", result.Report.TotalProcessed,
				"new_properties", result.Report.NewProperties,
				"error_count", result.Report.ErrorCount,
				"report_path", result.ReportPath,
				"exit_code", result.ExitCode,
			)
			*exitCode = result.ExitCode
			return nil
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := newLogger(cfg.LogLevel)

			// postgres.Open runs embedded migrations as part of connecting,
			// so migrate is a thin wrapper that opens and immediately closes.
			client, err := postgres.Open(ctx, postgres.Config{
				Host:     cfg.Database.Host,
				Port:     cfg.Database.Port,
				User:     cfg.Database.User,
				Password: cfg.Database.Password,
				Database: cfg.Database.Database,
				SSLMode:  cfg.Database.SSLMode,
			})
			if err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			defer client.Close()

			log.Info("migrations applied")
			return nil
		},
	}
}

func newHealthcheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Ping Postgres and the LLM server, print a one-line JSON status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			repo, err := postgres.Open(ctx, postgres.Config{
				Host:     cfg.Database.Host,
				Port:     cfg.Database.Port,
				User:     cfg.Database.User,
				Password: cfg.Database.Password,
				Database: cfg.Database.Database,
				SSLMode:  cfg.Database.SSLMode,
			})
			status := map[string]any{"status": "healthy"}
			if err != nil {
				status["status"] = "unhealthy"
				status["database"] = err.Error()
			} else {
				defer repo.Close()
				dbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				if err := repo.Ping(dbCtx); err != nil {
					status["status"] = "unhealthy"
					status["database"] = err.Error()
				} else {
					status["database"] = "ok"
				}
			}

			llmClient := llm.New(llm.Config{BaseURL: cfg.LLM.BaseURL, Model: cfg.LLM.Model}, nil)
			llmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if llmClient.Health(llmCtx) {
				status["llm"] = "ok"
			} else {
				status["status"] = "unhealthy"
				status["llm"] = "unreachable"
			}

			out, err := json.Marshal(status)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if status["status"] != "healthy" {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
}
