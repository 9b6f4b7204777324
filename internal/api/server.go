// Package api serves a read-only inspection surface over a running
// simulation: counters, per-request results, diagnostic dumps and the
// Prometheus registry.
package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/kvpage/internal/dump"
	"github.com/samcharles93/kvpage/internal/sim"
	"github.com/samcharles93/kvpage/internal/version"
)

// Engine is what the server inspects.
type Engine interface {
	Stats() sim.Stats
	Request(id string) (sim.RequestInfo, bool)
	Requests() []string
	Dump(name string) (dump.Summary, bool)
	DumpNames() []string
}

type Server struct {
	engine  Engine
	started time.Time
	clock   func() time.Time
}

func NewServer(engine Engine) *Server {
	return &Server{
		engine:  engine,
		started: time.Now(),
		clock:   time.Now,
	}
}

type statsResponse struct {
	Version string    `json:"version"`
	Uptime  string    `json:"uptime"`
	Stats   sim.Stats `json:"stats"`
}

type listResponse struct {
	Object string   `json:"object"`
	Data   []string `json:"data"`
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/stats", s.handleStats)
	e.GET("/v1/requests", s.handleListRequests)
	e.GET("/v1/requests/:id", s.handleGetRequest)
	e.GET("/v1/dump", s.handleListDumps)
	e.GET("/v1/dump/:name", s.handleGetDump)
	e.GET("/metrics", wrapHandler(promhttp.Handler()))
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(c *echo.Context) error {
	return c.JSON(http.StatusOK, statsResponse{
		Version: version.String(),
		Uptime:  s.clock().Sub(s.started).Round(time.Second).String(),
		Stats:   s.engine.Stats(),
	})
}

func (s *Server) handleListRequests(c *echo.Context) error {
	ids := s.engine.Requests()
	slices.Sort(ids)
	return c.JSON(http.StatusOK, listResponse{Object: "list", Data: ids})
}

func (s *Server) handleGetRequest(c *echo.Context) error {
	id, err := parseRequestID(c.Param("id"))
	if err != nil {
		return writeErr(c, err, "id")
	}
	info, ok := s.engine.Request(id)
	if !ok {
		return writeNotFound(c, "request not found")
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleListDumps(c *echo.Context) error {
	names := s.engine.DumpNames()
	slices.Sort(names)
	return c.JSON(http.StatusOK, listResponse{Object: "list", Data: names})
}

func (s *Server) handleGetDump(c *echo.Context) error {
	name := c.Param("name")
	if name == "" {
		return writeBadRequest(c, "dump name is required", "name")
	}
	sum, ok := s.engine.Dump(name)
	if !ok {
		return writeNotFound(c, "no dump named "+name)
	}
	return c.JSON(http.StatusOK, sum)
}
