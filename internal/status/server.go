package status

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rickgao/termsync/internal/health"
	"github.com/rickgao/termsync/internal/model"
	"github.com/rickgao/termsync/internal/subscription"
	"github.com/rickgao/termsync/internal/terminal"
	"github.com/rickgao/termsync/internal/version"
)

// Accounts exposes subscribed accounts.
type Accounts interface {
	Accounts() []subscription.AccountStatus
	Account(accountID string) (subscription.AccountStatus, error)
	TerminalState(accountID string) (*terminal.State, error)
}

// HealthReporter exposes per-account connection health.
type HealthReporter interface {
	Report(now time.Time) []health.AccountHealth
}

// Config configures the status server.
type Config struct {
	Port        int    // 0 picks a free port
	MetricsPath string // Empty disables the metrics route
	Debug       bool   // Gin debug mode
}

// AccountSummary is the per-account detail view.
type AccountSummary struct {
	Status             subscription.AccountStatus `json:"status"`
	Health             *health.AccountHealth      `json:"health,omitempty"`
	SyncID             string                     `json:"synchronizationId,omitempty"`
	Connected          bool                       `json:"connected"`
	ConnectedToBroker  bool                       `json:"connectedToBroker"`
	Completed          map[model.Substream]bool   `json:"completed"`
	AccountInformation *model.AccountInformation  `json:"accountInformation,omitempty"`
	Positions          int                        `json:"positions"`
	Orders             int                        `json:"orders"`
	HistoryOrders      int                        `json:"historyOrders"`
	Deals              int                        `json:"deals"`
	Specifications     int                        `json:"specifications"`
	Prices             int                        `json:"prices"`
}

// Server is the status HTTP server.
type Server struct {
	cfg      Config
	accounts Accounts
	health   HealthReporter
	metrics  http.Handler
	logger   *slog.Logger

	engine *gin.Engine
	server *http.Server
	addr   net.Addr
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates a status server. healthReporter and metrics may be nil.
func New(cfg Config, accounts Accounts, healthReporter HealthReporter, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		accounts: accounts,
		health:   healthReporter,
		metrics:  metrics,
		logger:   logger,
		engine:   gin.New(),
		now:      time.Now,
	}
	s.engine.Use(gin.Recovery(), s.logRequests)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.getHealth)
	s.engine.GET("/accounts", s.listAccounts)

	acct := s.engine.Group("/accounts/:id")
	acct.GET("", s.getAccount)
	acct.GET("/positions", s.getPositions)
	acct.GET("/orders", s.getOrders)
	acct.GET("/specifications", s.getSpecifications)

	if s.metrics != nil && s.cfg.MetricsPath != "" {
		s.engine.GET(s.cfg.MetricsPath, gin.WrapH(s.metrics))
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return err
	}
	s.addr = ln.Addr()
	s.server = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", "error", err)
		}
	}()

	s.logger.Info("status server started", "addr", s.addr.String())
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	s.logger.Info("status server stopped")
	return err
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("http request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) getHealth(c *gin.Context) {
	list := s.accounts.Accounts()
	synced := 0
	for _, a := range list {
		if a.Synchronized {
			synced++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"accounts":     len(list),
		"synchronized": synced,
		"build":        version.Get(),
	})
}

func (s *Server) listAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, s.accounts.Accounts())
}

func (s *Server) getAccount(c *gin.Context) {
	id := c.Param("id")
	st, err := s.accounts.Account(id)
	if err != nil {
		s.notFound(c, id, err)
		return
	}
	store, err := s.accounts.TerminalState(id)
	if err != nil {
		s.notFound(c, id, err)
		return
	}

	snap := store.Snapshot()
	out := AccountSummary{
		Status:             st,
		SyncID:             snap.SyncID,
		Connected:          snap.Connected,
		ConnectedToBroker:  snap.ConnectedToBroker,
		Completed:          snap.Completed,
		AccountInformation: snap.AccountInformation,
		Positions:          len(snap.Positions),
		Orders:             len(snap.Orders),
		HistoryOrders:      len(snap.HistoryOrders),
		Deals:              len(snap.Deals),
		Specifications:     len(snap.Specifications),
		Prices:             len(snap.Prices),
	}
	if s.health != nil {
		for _, h := range s.health.Report(s.now()) {
			if h.AccountID == id {
				out.Health = &h
				break
			}
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getPositions(c *gin.Context) {
	if store, ok := s.store(c); ok {
		c.JSON(http.StatusOK, store.Positions())
	}
}

func (s *Server) getOrders(c *gin.Context) {
	if store, ok := s.store(c); ok {
		c.JSON(http.StatusOK, store.Orders())
	}
}

func (s *Server) getSpecifications(c *gin.Context) {
	if store, ok := s.store(c); ok {
		c.JSON(http.StatusOK, store.Specifications())
	}
}

func (s *Server) store(c *gin.Context) (*terminal.State, bool) {
	id := c.Param("id")
	store, err := s.accounts.TerminalState(id)
	if err != nil {
		s.notFound(c, id, err)
		return nil, false
	}
	return store, true
}

func (s *Server) notFound(c *gin.Context, id string, err error) {
	if errors.Is(err, subscription.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not subscribed", "accountId": id})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
