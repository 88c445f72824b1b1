package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"grid-core/internal/events"
	"grid-core/internal/ledger"
	"grid-core/internal/market"
	"grid-core/internal/shutdown"
	"grid-core/internal/strategy"
	"grid-core/pkg/exchanges/paper"
)

// GridStatus is the slice of the strategy controller the API reads.
type GridStatus interface {
	Status() strategy.Status
}

// Account is the simulated venue's balance, holdings and fills.
type Account interface {
	Balance() float64
	Position(symbol string) paper.Position
	Fills() []paper.Fill
}

// Server exposes read-only session state plus an authenticated shutdown
// trigger over HTTP.
type Server struct {
	Router   *gin.Engine
	Bus      *events.Bus
	Grid     GridStatus
	Ledger   *ledger.Ledger
	Shutdown *shutdown.Coordinator
	Gatherer prometheus.Gatherer
	Account  Account
	Feed     market.Reporter
	Meta     SystemMeta
	log      *zap.Logger
	limiters *ipLimiters
	secret   string

	http *http.Server
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	Mode    string
	Venue   string
	Symbol  string
	Version string
}

// Deps are the collaborators behind the endpoints. Gatherer may be nil to
// disable /metrics; Account and Feed are optional. AuthSecret signs the
// bearer tokens write routes require; without it they answer 403.
type Deps struct {
	Bus        *events.Bus
	Grid       GridStatus
	Ledger     *ledger.Ledger
	Shutdown   *shutdown.Coordinator
	Gatherer   prometheus.Gatherer
	Account    Account
	Feed       market.Reporter
	AuthSecret string
	Log        *zap.Logger
}

func NewServer(deps Deps, meta SystemMeta) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("api")

	r := gin.New()
	s := &Server{
		Router:   r,
		Bus:      deps.Bus,
		Grid:     deps.Grid,
		Ledger:   deps.Ledger,
		Shutdown: deps.Shutdown,
		Gatherer: deps.Gatherer,
		Account:  deps.Account,
		Feed:     deps.Feed,
		Meta:     meta,
		log:      log,
		limiters: newIPLimiters(20, 50),
		secret:   deps.AuthSecret,
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(s.limiters, log))
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.streamEvents)
	if s.Gatherer != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/grid", s.getGrid)
		api.GET("/report", s.getReport)
		api.GET("/trades", s.getTrades)
		api.GET("/trades/:id", s.getTrade)
		api.GET("/api-calls", s.getAPICalls)
		api.GET("/account", s.getAccount)
	}

	// Write routes
	ops := api.Group("", AuthMiddleware(s.secret))
	{
		ops.POST("/shutdown", s.requestShutdown)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves on addr until Stop is called. It returns nil after a clean stop.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	s.log.Info("api: listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
