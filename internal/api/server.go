// Package api exposes the fake-quantization operators and plan sessions over
// HTTP.
package api

import (
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/quantsim/internal/fakequant"
	"github.com/samcharles93/quantsim/internal/logger"
	"github.com/samcharles93/quantsim/internal/plan"
	"github.com/samcharles93/quantsim/internal/session"
	"github.com/samcharles93/quantsim/internal/version"
)

// statelessLayer names the single layer of a stateless quantize call.
const statelessLayer = "input"

type Server struct {
	sessions *session.Registry
	log      logger.Logger
	metrics  http.Handler
}

func NewServer(sessions *session.Registry, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	if sessions == nil {
		sessions = session.NewRegistry(log)
	}
	return &Server{
		sessions: sessions,
		log:      log,
		metrics:  promhttp.Handler(),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/quantize", s.handleQuantize)

	// Sessions keep quantizer state between calls.
	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.POST("/v1/sessions/:id/reset", s.handleResetSession)
	e.POST("/v1/sessions/:id/layers/:name", s.handleRunLayer)
	e.POST("/v1/sessions/:id/layers/:name/backward", s.handleBackward)

	e.GET("/metrics", s.handleMetrics)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleQuantize(c *echo.Context) error {
	req, err := decodeJSON[QuantizeRequest](c.Request().Body)
	if err != nil {
		return writeAPIError(c, "quantize", err)
	}
	if req.Strategy == "" {
		return writeAPIError(c, "quantize", newInvalidRequest("strategy is required"))
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		return writeAPIError(c, "quantize", err)
	}
	x, err := req.toTensor()
	if err != nil {
		return writeAPIError(c, "quantize", err)
	}

	p := &plan.Plan{Layers: []plan.LayerSpec{{
		Name:       statelessLayer,
		Strategy:   req.Strategy,
		Dequantize: req.Dequantize,
		Overrides:  req.Overrides,
	}}}
	if err := p.Normalize(); err != nil {
		return writeAPIError(c, "quantize", err)
	}
	sess, err := plan.NewSession(p, s.log)
	if err != nil {
		return writeAPIError(c, "quantize", err)
	}
	defer sess.Close()
	res, err := sess.Run(statelessLayer, x, mode, req.InScale)
	if err != nil {
		return writeAPIError(c, "quantize", err)
	}
	return c.JSON(http.StatusOK, QuantizeResponse{
		Object: "quantize.result",
		Shape:  res.Out.Shape,
		Out:    nonNil(res.Out.Data),
		Scale:  res.Scale,
		Scales: res.Scales,
	})
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	p, err := decodeJSON[plan.Plan](c.Request().Body)
	if err != nil {
		return writeAPIError(c, "create_session", err)
	}
	if err := p.Normalize(); err != nil {
		return writeAPIError(c, "create_session", err)
	}
	entry, err := s.sessions.Create(&p)
	if err != nil {
		return writeAPIError(c, "create_session", err)
	}
	var resp SessionResponse
	_ = entry.Do(func(sess *plan.Session) error {
		resp = s.sessionResponse(entry, sess)
		return nil
	})
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) sessionResponse(entry *session.Entry, sess *plan.Session) SessionResponse {
	return SessionResponse{
		ID:        entry.ID,
		Object:    "session",
		CreatedAt: entry.CreatedAt.Unix(),
		RunID:     sess.RunID,
		Layers:    sess.Snapshot(),
	}
}

func (s *Server) handleGetSession(c *echo.Context) error {
	entry, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return writeNotFound(c, "session not found")
	}
	var resp SessionResponse
	_ = entry.Do(func(sess *plan.Session) error {
		resp = s.sessionResponse(entry, sess)
		return nil
	})
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if err := s.sessions.Delete(id); err != nil {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, DeleteResponse{
		ID:      id,
		Object:  "session.deleted",
		Deleted: true,
	})
}

func (s *Server) handleResetSession(c *echo.Context) error {
	entry, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return writeNotFound(c, "session not found")
	}
	var resp SessionResponse
	_ = entry.Do(func(sess *plan.Session) error {
		sess.Reset()
		resp = s.sessionResponse(entry, sess)
		return nil
	})
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRunLayer(c *echo.Context) error {
	entry, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return writeNotFound(c, "session not found")
	}
	req, err := decodeJSON[LayerRunRequest](c.Request().Body)
	if err != nil {
		return writeAPIError(c, "run_layer", err)
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		return writeAPIError(c, "run_layer", err)
	}
	x, err := req.toTensor()
	if err != nil {
		return writeAPIError(c, "run_layer", err)
	}

	name := c.Param("name")
	var res *fakequant.Result
	err = entry.Do(func(sess *plan.Session) error {
		var err error
		res, err = sess.Run(name, x, mode, req.InScale)
		return err
	})
	if err != nil {
		return writeAPIError(c, "run_layer", err)
	}
	return c.JSON(http.StatusOK, LayerRunResponse{
		Object: "layer.result",
		Layer:  name,
		Mode:   mode.String(),
		Shape:  res.Out.Shape,
		Out:    nonNil(res.Out.Data),
		Scale:  res.Scale,
		Scales: res.Scales,
	})
}

func (s *Server) handleBackward(c *echo.Context) error {
	entry, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return writeNotFound(c, "session not found")
	}
	req, err := decodeJSON[BackwardRequest](c.Request().Body)
	if err != nil {
		return writeAPIError(c, "backward", err)
	}

	name := c.Param("name")
	var grad []float32
	err = entry.Do(func(sess *plan.Session) error {
		var err error
		grad, err = sess.Backward(name, req.Grad)
		return err
	})
	if err != nil {
		return writeAPIError(c, "backward", err)
	}
	return c.JSON(http.StatusOK, BackwardResponse{
		Object: "layer.gradient",
		Layer:  name,
		Grad:   nonNil(grad),
	})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	s.metrics.ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Sessions: s.sessions.Len(),
		Version:  version.String(),
	})
}
