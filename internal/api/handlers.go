package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/presencewatch/presence-go/internal/buildinfo"
	"github.com/presencewatch/presence-go/internal/conf"
	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/identity"
	"github.com/presencewatch/presence-go/internal/logger"
)

const (
	databaseConnected    = "connected"
	databaseDisconnected = "disconnected"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status            string   `json:"status"`
	Database          string   `json:"database"`
	CacheEntries      int      `json:"cache_entries"`
	Sessions          int      `json:"sessions"`
	MemoryUsedPercent *float64 `json:"memory_used_percent,omitempty"`
	Version           string   `json:"version"`
	UptimeSeconds     float64  `json:"uptime_seconds"`
	Timestamp         string   `json:"timestamp"`
}

// healthCheck reports store reachability and runtime counters. A store that
// cannot be reached turns the response into 503 with status "degraded".
func (s *Server) healthCheck(c echo.Context) error {
	resp := HealthResponse{
		Status:        "healthy",
		Database:      databaseConnected,
		CacheEntries:  s.identities.CacheStats().Entries,
		Sessions:      s.sessions.Active(),
		Version:       buildinfo.Get().Version,
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Timestamp:     time.Now().Format(time.RFC3339),
	}

	if s.probe != nil {
		if err := s.probe(c.Request().Context()); err != nil {
			s.log.Warn("health probe failed", logger.Error(err))
			resp.Database = databaseDisconnected
			resp.Status = "degraded"
		}
	}

	if used, err := s.memUsage(); err == nil {
		resp.MemoryUsedPercent = &used
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

// UserRequest is the body of POST /users. student_id is accepted as an
// alias for external_id.
type UserRequest struct {
	Label      string `json:"label"`
	Username   string `json:"username"`
	ExternalID string `json:"external_id"`
	StudentID  string `json:"student_id"`
}

// UserResponse is the body of GET /users/:label
type UserResponse struct {
	Status string           `json:"status"`
	User   *identity.Record `json:"user,omitempty"`
}

func (s *Server) listUsers(c echo.Context) error {
	recs, err := s.identities.List(c.Request().Context())
	if err != nil {
		return s.handleError(c, err, "failed to list users", 0)
	}
	if recs == nil {
		recs = []identity.Record{}
	}
	return c.JSON(http.StatusOK, recs)
}

func (s *Server) getUser(c echo.Context) error {
	label := c.Param("label")
	lookup := s.identities.Resolve(c.Request().Context(), label)

	switch lookup.Status {
	case identity.StatusFound:
		return c.JSON(http.StatusOK, UserResponse{Status: lookup.Status.String(), User: lookup.Record})
	case identity.StatusStoreError:
		return s.handleError(c, lookup.Err, "identity store unavailable", http.StatusServiceUnavailable)
	default:
		return s.handleError(c, nil, "no user for label "+strconv.Quote(label), http.StatusNotFound)
	}
}

func (s *Server) createUser(c echo.Context) error {
	var req UserRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "invalid request body", http.StatusBadRequest)
	}
	if req.ExternalID == "" {
		req.ExternalID = req.StudentID
	}

	rec, err := s.identities.Create(c.Request().Context(), identity.Record{
		Label:      req.Label,
		Username:   req.Username,
		ExternalID: req.ExternalID,
	})
	if err != nil {
		return s.handleError(c, err, "failed to create user", 0)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (s *Server) deleteUser(c echo.Context) error {
	label := c.Param("label")
	if err := s.identities.Delete(c.Request().Context(), label); err != nil {
		return s.handleError(c, err, "failed to delete user", 0)
	}
	return c.NoContent(http.StatusNoContent)
}

// ConfidenceResponse is the body of the confidence endpoints
type ConfidenceResponse struct {
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

type confidenceRequest struct {
	Confidence          *float64 `json:"confidence"`
	ConfidenceThreshold *float64 `json:"confidence_threshold"`
}

func (s *Server) getConfidence(c echo.Context) error {
	return c.JSON(http.StatusOK, ConfidenceResponse{ConfidenceThreshold: s.detector.Confidence()})
}

// setConfidence takes the new value from the confidence query parameter or
// from a JSON body.
func (s *Server) setConfidence(c echo.Context) error {
	value, err := confidenceFrom(c)
	if err != nil {
		return s.handleError(c, err, "invalid confidence value", http.StatusBadRequest)
	}

	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	previous := s.detector.Confidence()
	if err := s.detector.SetConfidence(value); err != nil {
		return s.handleError(c, err, "invalid confidence value", 0)
	}

	if s.config.PersistSettings {
		if err := s.persistConfidence(value); err != nil {
			_ = s.detector.SetConfidence(previous)
			return s.handleError(c, err, "failed to save settings", http.StatusInternalServerError)
		}
	}

	s.log.Info("confidence threshold changed",
		logger.Float64("previous", previous),
		logger.Float64("confidence", value))
	return c.JSON(http.StatusOK, ConfidenceResponse{ConfidenceThreshold: value})
}

func confidenceFrom(c echo.Context) (float64, error) {
	if raw := c.QueryParam("confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, errors.New(err).
				Component("api").
				Category(errors.CategoryValidation).
				Build()
		}
		return v, nil
	}

	var req confidenceRequest
	if c.Request().ContentLength != 0 && strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		if err := c.Bind(&req); err != nil {
			return 0, err
		}
	}
	switch {
	case req.Confidence != nil:
		return *req.Confidence, nil
	case req.ConfidenceThreshold != nil:
		return *req.ConfidenceThreshold, nil
	}
	return 0, errors.Newf("confidence is required").
		Component("api").
		Category(errors.CategoryValidation).
		Build()
}

// persistConfidence writes the threshold to the config file. Caller holds
// settingsMu.
func (s *Server) persistConfidence(value float64) error {
	updated := *s.settings
	updated.Detector.Confidence = value
	if err := conf.SaveYAMLConfig(s.config.ConfigFile, &updated); err != nil {
		return err
	}
	s.settings.Detector.Confidence = value
	return nil
}

// CacheClearResponse is the body of POST /cache/clear
type CacheClearResponse struct {
	Status  string `json:"status"`
	Cleared int    `json:"cleared"`
}

func (s *Server) clearCache(c echo.Context) error {
	cleared := s.identities.CacheStats().Entries
	s.identities.ClearCache()
	return c.JSON(http.StatusOK, CacheClearResponse{Status: "cleared", Cleared: cleared})
}
