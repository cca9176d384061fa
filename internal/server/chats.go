package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mserban/vatra/internal/agent/core"
	"github.com/mserban/vatra/internal/knowledge"
	"github.com/mserban/vatra/internal/store"
	"github.com/mserban/vatra/internal/stream"
)

type chatSummary struct {
	ID             string `json:"id"`
	CreatedAt      string `json:"created_at"`
	Messages       int    `json:"messages"`
	SupervisorMode bool   `json:"supervisor_mode"`
}

func (s *Server) listChats(c echo.Context) error {
	sessions, err := s.sessions.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list sessions")
	}
	out := make([]chatSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, chatSummary{
			ID:             sess.ID,
			CreatedAt:      sess.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			Messages:       len(sess.History),
			SupervisorMode: sess.SupervisorMode,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) createChat(c echo.Context) error {
	sess, err := s.sessions.Create(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create session")
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"id":         sess.ID,
		"created_at": sess.CreatedAt,
	})
}

func (s *Server) getChat(c echo.Context) error {
	sess, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load session")
	}
	return c.JSON(http.StatusOK, sess)
}

type settingsRequest struct {
	AgentSequence  []store.AgentSetting `json:"agent_sequence"`
	SupervisorMode bool                 `json:"supervisor_mode"`
}

func (s *Server) updateSettings(c echo.Context) error {
	var req settingsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid settings body")
	}
	for _, setting := range req.AgentSequence {
		seen := map[string]bool{}
		for _, binding := range setting.Tools {
			if _, ok := s.registry.Tool(binding.ToolID); !ok {
				return echo.NewHTTPError(http.StatusBadRequest, "unknown tool "+binding.ToolID)
			}
			if seen[binding.ToolID] {
				return echo.NewHTTPError(http.StatusBadRequest, "duplicate tool "+binding.ToolID+" for agent "+setting.AgentID)
			}
			seen[binding.ToolID] = true
		}
	}

	ctx := c.Request().Context()
	sess, err := s.sessions.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load session")
	}
	sess.AgentSequence = req.AgentSequence
	sess.SupervisorMode = req.SupervisorMode
	if err := s.sessions.Put(ctx, sess.ID, sess); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save settings")
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) toggleSupervisor(c echo.Context) error {
	enabled, err := strconv.ParseBool(c.QueryParam("enabled"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "enabled must be true or false")
	}
	ctx := c.Request().Context()
	sess, err := s.sessions.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load session")
	}
	sess.SupervisorMode = enabled
	if err := s.sessions.Put(ctx, sess.ID, sess); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save session")
	}
	return c.JSON(http.StatusOK, map[string]any{"id": sess.ID, "supervisor_mode": sess.SupervisorMode})
}

type messageRequest struct {
	Message string `json:"message"`
}

func (s *Server) postMessage(c echo.Context) error {
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message body")
	}

	collector := stream.NewCollector()
	result, err := s.orch.Turn(c.Request().Context(), c.Param("id"), req.Message, collector)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrEmptyPrompt):
			return echo.NewHTTPError(http.StatusBadRequest, "message must not be empty")
		case errors.Is(err, core.ErrBusy):
			return echo.NewHTTPError(http.StatusConflict, "a turn is already in progress")
		case errors.Is(err, store.ErrSessionNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		// The turn failed after it started; the terminal system frame is in
		// the event list.
		return c.JSON(http.StatusOK, map[string]any{
			"events": collector.Events(),
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"result": result,
		"events": collector.Events(),
	})
}

func (s *Server) postMessageStream(c echo.Context) error {
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message body")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.WriteHeader(http.StatusOK)

	writer := stream.NewWriter(resp)
	// The request context cancels the turn when the client disconnects.
	_, err := s.orch.Turn(c.Request().Context(), c.Param("id"), req.Message, writer)
	if err != nil {
		// Headers are already out; the terminal frame carried the failure.
		s.logger.Printf("streamed turn for session %s ended with error: %v", c.Param("id"), err)
	}
	return nil
}

func (s *Server) cleanupChats(c echo.Context) error {
	removed, err := s.sessions.Cleanup(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "cleanup failed")
	}
	s.telemetry.RecordSweep(removed)
	return c.JSON(http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) listAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.List())
}

func (s *Server) reloadAgents(c echo.Context) error {
	if err := s.registry.Reload(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "catalog reload failed: "+err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"agents": len(s.registry.List())})
}

func (s *Server) listTools(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.Tools())
}

func (s *Server) listKnowledge(c echo.Context) error {
	if s.knowledge == nil {
		return c.JSON(http.StatusOK, []knowledge.Entry{})
	}
	return c.JSON(http.StatusOK, s.knowledge.List())
}
