package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/agentops/platform/internal/cache"
	"github.com/agentops/platform/internal/config"
	"github.com/agentops/platform/internal/graph"
	"github.com/agentops/platform/internal/journal"
	"github.com/agentops/platform/internal/metrics"
	"github.com/agentops/platform/internal/repository"
	"github.com/agentops/platform/internal/service"
	"github.com/agentops/platform/internal/steps"
	"github.com/agentops/platform/internal/vector"
	"github.com/agentops/platform/pkg/audit"
	"github.com/agentops/platform/pkg/health"
	"github.com/agentops/platform/pkg/logger"
	pkgredis "github.com/agentops/platform/pkg/redis"
	"github.com/agentops/platform/pkg/snowflake"
	"github.com/agentops/platform/pkg/tracing"
)

const sweepLockTTL = 30 * time.Second

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitFunc(runCLIFunc(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type cliArgs struct {
	Command string
	File    string
}

func parseArgs(args []string) (cliArgs, error) {
	out := cliArgs{Command: "serve"}
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		out.Command, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet(out.Command, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&out.File, "f", "-", "create request JSON file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return out, err
	}

	switch out.Command {
	case "serve", "create":
		return out, nil
	default:
		return out, fmt.Errorf("unknown command %q (expected serve or create)", out.Command)
	}
}

func runCLI(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	cli, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(errOut, "invalid configuration: %v\n", err)
		return 2
	}
	log := logger.New(cfg.ServiceName, errOut).SetLevel(cfg.LogLevel)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("startup failed")
		return 1
	}
	defer a.close()

	if cli.Command == "create" {
		return runCreate(ctx, a, cli.File, in, out, errOut)
	}
	return runServe(ctx, a)
}

// app holds every long-lived dependency of the process.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	db      *sql.DB
	redis   *redis.Client
	graph   *graph.Store
	audit   *audit.DBLogger
	metrics *metrics.Metrics
	journal *journal.RedisStore
	health  *health.Health
	sagas   *service.AgentSagaService

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.New(), health: health.New()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Insecure:    cfg.TracingInsecure,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	})

	a.db, err = sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	a.db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	a.onClose(func() { _ = a.db.Close() })
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Info("connected to postgres")

	tlsCfg, err := pkgredis.TLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	redisCfg := pkgredis.DefaultConfig
	redisCfg.Addr = cfg.RedisAddr
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB
	redisCfg.TLS = tlsCfg
	a.redis, err = pkgredis.NewClient(ctx, &redisCfg)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = a.redis.Close() })
	log.Info("connected to redis")

	wv, err := vector.NewClient(vector.Config{
		Host:   cfg.WeaviateHost,
		Scheme: cfg.WeaviateScheme,
		APIKey: cfg.WeaviateAPIKey,
		Class:  cfg.WeaviateClass,
	})
	if err != nil {
		return nil, err
	}
	if err := vector.EnsureSchema(ctx, wv, cfg.WeaviateClass); err != nil {
		return nil, err
	}
	log.Infof("weaviate class ready", map[string]interface{}{"class": cfg.WeaviateClass})

	a.graph, err = graph.Open(cfg.BadgerPath, cfg.BadgerInMemory, log)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = a.graph.Close() })

	a.audit, err = audit.NewDBLogger(a.db,
		audit.WithQueueSize(cfg.AuditQueueSize),
		audit.WithErrorHandler(func(err error) {
			log.WithError(err).Warn("audit write failed")
		}),
	)
	if err != nil {
		return nil, err
	}
	a.onClose(a.audit.Close)

	ids, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		return nil, err
	}

	a.journal = journal.NewRedisStore(a.redis, cfg.JournalPrefix, cfg.JournalTTL)
	a.sagas = service.NewAgentSagaService(service.Deps{
		Agents: repository.NewAgentRepository(a.db),
		IDs:    ids,
		Sessions: cache.NewSessionCache(a.redis, cache.Options{
			DefaultTTL: cfg.SessionTTL,
			MinTTL:     cfg.SessionMinTTL,
			MaxTTL:     cfg.SessionMaxTTL,
		}),
		Vectors: vector.NewIndex(wv, cfg.WeaviateClass),
		Graph:   a.graph,
		Store:   a.journal,
		Audit:   a.audit,
		Metrics: a.metrics,
		Logger:  log,
	})

	a.health.Register(health.NewPostgresChecker(a.db))
	a.health.Register(health.NewRedisChecker(a.redis))
	a.health.Register(health.NewHTTPChecker("weaviate", cfg.WeaviateReadyURL()))
	a.health.Register(health.NewBadgerChecker(a.graph.DB()))
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// close releases dependencies in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func runServe(ctx context.Context, a *app) int {
	monitor := &health.LoopMonitor{}
	hostname, _ := os.Hostname()
	sweeper := journal.NewSweeper(a.journal, a.cfg.StuckAfter, a.log,
		journal.WithLock(pkgredis.NewLock(a.redis, a.cfg.JournalPrefix+"lock:sweep", hostname+"/"+uuid.NewString(), sweepLockTTL)),
		journal.WithMonitor(monitor),
		journal.WithMetrics(a.metrics),
		journal.WithAudit(a.audit),
	)
	sched, err := sweeper.Start(ctx, a.cfg.SweepSchedule)
	if err != nil {
		a.log.WithError(err).Error("sweeper start failed")
		return 1
	}
	defer func() { <-sched.Stop().Done() }()
	a.health.RegisterOptional(health.NewLoopChecker("saga_sweeper", monitor, 3*a.cfg.StuckAfter))
	// Report a first tick so readiness does not wait a whole sweep period.
	go func() { _, _ = sweeper.Sweep(ctx) }()

	mux := http.NewServeMux()
	mux.Handle("/livez", a.health.LiveHandler())
	mux.Handle("/readyz", a.health.ReadyHandler())
	mux.Handle("/metrics", a.metrics.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.OpsPort),
		Handler:           tracing.HTTPMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("ops server listening", map[string]interface{}{"port": a.cfg.OpsPort})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	a.health.SetReady(true)

	code := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.log.WithError(err).Error("ops server failed")
		code = 1
	}

	a.log.Info("shutting down")
	a.health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("ops server shutdown")
	}
	return code
}

type createRequest struct {
	OrganizationID int64                `json:"organizationId"`
	Agent          steps.AgentData      `json:"agent"`
	Session        map[string]any       `json:"session,omitempty"`
	Embeddings     [][]float32          `json:"embeddings"`
	Relationships  []graph.Relationship `json:"relationships,omitempty"`
	TransactionID  string               `json:"transactionId,omitempty"`
}

func decodeCreateRequest(r io.Reader) (*service.CreateAgentSagaRequest, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var req createRequest
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("decode create request: %w", err)
	}
	return &service.CreateAgentSagaRequest{
		OrganizationID: req.OrganizationID,
		Agent:          req.Agent,
		Session:        req.Session,
		Embeddings:     req.Embeddings,
		Relationships:  req.Relationships,
		TransactionID:  req.TransactionID,
	}, nil
}

func runCreate(ctx context.Context, a *app, path string, in io.Reader, out, errOut io.Writer) int {
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			fmt.Fprintf(errOut, "open request: %v\n", err)
			return 2
		}
		defer f.Close()
		in = f
	}
	req, err := decodeCreateRequest(in)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	resp := a.sagas.CreateAgentSaga(ctx, req)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		fmt.Fprintf(errOut, "encode response: %v\n", err)
		return 1
	}
	if resp.Status != service.StatusSuccess {
		return 1
	}
	return 0
}
