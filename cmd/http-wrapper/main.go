// Command replicad exposes the replica façade over HTTP: a
// gin.Default() server with routes for the
// update/read/commit/conflicts/resolve/meld/refresh operations, each
// handler built from a small JSON request/response struct, plus a
// Prometheus /metrics endpoint.
package main

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deltacrdt/internal/common"
	"deltacrdt/internal/config"
	"deltacrdt/internal/ojson"
	"deltacrdt/internal/replica"
	"deltacrdt/internal/telemetry"
)

// Server wraps a single Replica behind gin handlers.
type Server struct {
	replica *replica.Replica
	cfg     *config.Config
}

// NewServer loads configuration, opens the replica's adapter, and
// reloads any history already on disk.
func NewServer() (*Server, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	telemetry.Init(telemetry.Config{Level: telemetry.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSONOutput})

	reg := prometheus.NewRegistry()
	r, err := replica.Open(context.Background(), cfg.Store, reg)
	if err != nil {
		return nil, err
	}
	if err := r.Reload(); err != nil {
		telemetry.WithComponent("replicad").Warn().Err(err).Msg("reload failed, starting from empty state")
	}
	return &Server{replica: r, cfg: cfg}, nil
}

// errStatus maps an EngineError's kind to an HTTP status: bad input or
// a failed precondition is the caller's fault, everything else is ours.
func errStatus(err error) int {
	ee, ok := err.(*common.EngineError)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ee.Kind {
	case common.ErrMalformedInput, common.ErrPrecondition:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondErr(c *gin.Context, err error) {
	c.JSON(errStatus(err), gin.H{"error": err.Error()})
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() *gin.Engine {
	if s.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/update", s.handleUpdate)
	r.GET("/read", s.handleRead)
	r.POST("/commit", s.handleCommit)
	r.GET("/conflicts", s.handleConflicts)
	r.POST("/resolve", s.handleResolve)
	r.POST("/meld", s.handleMeld)
	r.POST("/refresh", s.handleRefresh)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "replicad"})
}

func (s *Server) handleUpdate(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := ojson.Parse(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	m, ok := v.(*ojson.Map)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a json object"})
		return
	}
	if _, present := m.Get(common.IdentifierFieldKey); !present {
		m.Set(common.IdentifierFieldKey, common.RootID)
	}
	if err := s.replica.Update(m); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRead(c *gin.Context) {
	doc, err := s.replica.Read()
	if err != nil {
		respondErr(c, err)
		return
	}
	out, err := ojson.Marshal(doc)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

type commitRequest struct {
	Info string `json:"info"`
}

func (s *Server) handleCommit(c *gin.Context) {
	var req commitRequest
	// A commit with no body is legal: empty info is allowed.
	_ = c.ShouldBindJSON(&req)

	var info *ojson.Map
	if req.Info != "" {
		info = ojson.NewMap()
		info.Set("message", req.Info)
	}
	id, err := s.replica.Commit(info)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"block": id})
}

func (s *Server) handleConflicts(c *gin.Context) {
	ids := s.replica.InConflict()
	type entry struct {
		ID     string   `json:"id"`
		Winner string   `json:"winner"`
		Others []string `json:"others"`
	}
	out := make([]entry, 0, len(ids))
	for _, id := range ids {
		winner, err := s.replica.GetWinner(id)
		if err != nil {
			respondErr(c, err)
			return
		}
		others, err := s.replica.GetConflicting(id)
		if err != nil {
			respondErr(c, err)
			return
		}
		out = append(out, entry{ID: id, Winner: winner, Others: others})
	}
	c.JSON(http.StatusOK, out)
}

type resolveRequest struct {
	ID       string `json:"id" binding:"required"`
	Revision string `json:"revision" binding:"required"`
}

func (s *Server) handleResolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rev, err := s.replica.ResolveAs(req.ID, req.Revision)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revision": rev})
}

type meldRequest struct {
	Dir string `json:"dir" binding:"required"`
}

func (s *Server) handleMeld(c *gin.Context) {
	var req meldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	otherCfg := s.cfg.Store
	otherCfg.Adapter = "local"
	otherCfg.LocalPath = req.Dir
	other, err := replica.OpenAdapter(c.Request.Context(), otherCfg)
	if err != nil {
		respondErr(c, err)
		return
	}
	copied, err := s.replica.Meld(other)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"copied": copied})
}

func (s *Server) handleRefresh(c *gin.Context) {
	if err := s.replica.Refresh(); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func main() {
	srv, err := NewServer()
	if err != nil {
		telemetry.Logger.Fatal().Err(err).Msg("failed to start replicad")
	}
	engine := srv.setupRoutes()

	port := srv.cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	addr := ":" + strconv.Itoa(port)
	telemetry.WithComponent("replicad").Info().Str("addr", addr).Msg("listening")
	if err := engine.Run(addr); err != nil {
		telemetry.Logger.Fatal().Err(err).Msg("server stopped")
	}
}
