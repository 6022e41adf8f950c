// Package routes exposes the escrow engine over HTTP.
package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/core/events"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/gateway/middleware"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/journal"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/escrow"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/scheduler"
)

// Escrow is the engine surface served over HTTP.
type Escrow interface {
	Open(caller crypto.Address, params escrow.OpenParams) (*escrow.Record, error)
	Accept(taker, maker crypto.Address, nonce uint64) (*escrow.Settlement, error)
	Cancel(caller, maker crypto.Address, nonce uint64) (*escrow.Settlement, error)
	AutoCancel(executor crypto.Address, accounts escrow.AutoCancelAccounts, nonce uint64) (escrow.Outcome, error)
	AutoCancelFor(executor, maker crypto.Address, nonce uint64) (escrow.Outcome, error)
	ScheduleAutoCancel(ctx context.Context, caller crypto.Address, nonce uint64, taskID uint16, expiry int64) (*scheduler.Task, error)
	Record(maker crypto.Address, nonce uint64) (*escrow.Record, error)
	Retired(maker crypto.Address, nonce uint64) (bool, error)
	VaultBalance(maker crypto.Address, nonce uint64) (uint64, error)
	Balance(owner, mint crypto.Address) (uint64, error)
	NativeBalance(addr crypto.Address) (uint64, error)
	Mint(owner, mint crypto.Address, amount uint64) (crypto.Address, error)
	FundNative(addr crypto.Address, amount uint64) error
}

// Tasks reads scheduler state.
type Tasks interface {
	Get(ctx context.Context, id string) (*scheduler.Task, error)
	List(ctx context.Context, queue string, limit int) ([]*scheduler.Task, error)
}

// Journal answers event history queries.
type Journal interface {
	List(ctx context.Context, q journal.Query) ([]journal.Entry, error)
}

// Config wires the router. Tasks, Journal and Bus are optional; their
// routes answer 503 when absent.
type Config struct {
	Engine        Escrow
	Tasks         Tasks
	Journal       Journal
	Bus           *events.Bus
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Gatherer      prometheus.Gatherer
	Faucet        bool
	Logger        *slog.Logger
}

type server struct {
	engine  Escrow
	tasks   Tasks
	journal Journal
	bus     *events.Bus
	logger  *slog.Logger
}

// New builds the HTTP handler.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("routes: engine required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("routes: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{engine: cfg.Engine, tasks: cfg.Tasks, journal: cfg.Journal, bus: cfg.Bus, logger: logger}

	r := chi.NewRouter()
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware)
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(cfg.Authenticator.Middleware())
		if cfg.RateLimiter != nil {
			v1.Use(cfg.RateLimiter.Middleware)
		}
		v1.Route("/escrow", func(er chi.Router) {
			er.Post("/records", s.handleOpen)
			er.Get("/records/{maker}/{nonce}", s.handleShow)
			er.Post("/records/{maker}/{nonce}/accept", s.handleAccept)
			er.Post("/records/{maker}/{nonce}/cancel", s.handleCancel)
			er.Post("/records/{maker}/{nonce}/auto-cancel", s.handleAutoCancel)
			er.Post("/records/{maker}/{nonce}/schedule", s.handleSchedule)
			er.Get("/derive", s.handleDerive)
			er.Get("/events", s.handleEvents)
			er.Get("/stream", s.handleStream)
		})
		v1.Get("/balances/{owner}", s.handleBalance)
		v1.Get("/scheduler/tasks", s.handleListTasks)
		v1.Get("/scheduler/tasks/{id}", s.handleGetTask)
		if cfg.Faucet {
			v1.Group(func(fr chi.Router) {
				fr.Use(cfg.Authenticator.Middleware(middleware.ScopeMint))
				fr.Post("/faucet/mint", s.handleMint)
				fr.Post("/faucet/airdrop", s.handleAirdrop)
			})
		}
	})
	return otelhttp.NewHandler(r, "escrowd"), nil
}
