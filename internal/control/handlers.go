package control

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Elgammal1299/block-app/internal/monitor"
	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/gin-gonic/gin"
)

type eventRequest struct {
	Type    string    `json:"type" binding:"required"`
	Package string    `json:"package"`
	Time    time.Time `json:"time"`
}

type unlockRequest struct {
	Duration string `json:"duration"`
}

type focusRequest struct {
	Packages []string `json:"packages" binding:"required"`
	Duration string   `json:"duration" binding:"required"`
}

type blockStatsResponse struct {
	monitor.BlockStats
	Style json.RawMessage `json:"style,omitempty"`
}

func errorResponse(ctx *gin.Context, status int, code, message string) {
	ctx.JSON(status, gin.H{"error": code, "message": message})
}

// handleHealth returns health status
func (s *Server) handleHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleEvent queues one OS event for the dispatcher.
func (s *Server) handleEvent(ctx *gin.Context) {
	var req eventRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		errorResponse(ctx, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ev := monitor.Event{
		Type:    monitor.EventType(strings.ToLower(req.Type)),
		Package: strings.TrimSpace(req.Package),
		Time:    req.Time,
	}
	if !ev.Type.Valid() {
		errorResponse(ctx, http.StatusBadRequest, "invalid_event_type", "unknown event type: "+req.Type)
		return
	}
	if ev.Type == monitor.EventForeground && ev.Package == "" {
		errorResponse(ctx, http.StatusBadRequest, "missing_package", "foreground events need a package")
		return
	}

	if err := s.dispatcher.Submit(ev); err != nil {
		if errors.Is(err, monitor.ErrQueueFull) {
			errorResponse(ctx, http.StatusServiceUnavailable, "queue_full", err.Error())
			return
		}
		errorResponse(ctx, http.StatusInternalServerError, "submit_failed", err.Error())
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// handleRefresh asks the cache to reload from the store.
func (s *Server) handleRefresh(ctx *gin.Context) {
	s.cache.RequestRefresh()
	ctx.JSON(http.StatusAccepted, gin.H{"status": "refresh_requested"})
}

func (s *Server) handleAllBlockStats(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"packages": s.dispatcher.AllBlockStats()})
}

// handleBlockStats feeds the block screen: attempt counts plus the
// configured style.
func (s *Server) handleBlockStats(ctx *gin.Context) {
	pkg := ctx.Param("package")

	resp := blockStatsResponse{BlockStats: s.dispatcher.BlockStats(pkg)}
	if snap := s.cache.Snapshot(); snap != nil {
		resp.Style = snap.Style
	}
	ctx.JSON(http.StatusOK, resp)
}

func (s *Server) handleSession(ctx *gin.Context) {
	session := s.tracker.Session()
	if session == nil {
		ctx.JSON(http.StatusOK, gin.H{"active": false})
		return
	}

	now := s.clock.Now()
	ctx.JSON(http.StatusOK, gin.H{
		"active":  true,
		"session": session,
		"elapsed": now.Sub(session.Start).String(),
	})
}

func (s *Server) handleUsage(ctx *gin.Context) {
	pkg := ctx.Param("package")

	var limit policy.UsageLimit
	if snap := s.cache.Snapshot(); snap != nil {
		limit = snap.Limits[pkg]
	}
	ctx.JSON(http.StatusOK, s.tracker.Stats(pkg, limit, s.clock.Now()))
}

// handleUnlock grants a temporary unlock. An empty body uses the configured
// default duration.
func (s *Server) handleUnlock(ctx *gin.Context) {
	var req unlockRequest
	if err := ctx.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		errorResponse(ctx, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	d := s.config.UnlockDuration
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed <= 0 {
			errorResponse(ctx, http.StatusBadRequest, "invalid_duration", "duration must be a positive Go duration")
			return
		}
		d = parsed
	}

	until, err := s.cache.GrantTemporaryUnlock(ctx.Request.Context(), d)
	if until.IsZero() {
		errorResponse(ctx, http.StatusInternalServerError, "unlock_failed", err.Error())
		return
	}
	if err != nil {
		// Written but not yet visible; the watcher will pick it up
		s.logger.Warn().Err(err).Msg("Refresh after unlock failed")
	}

	ctx.JSON(http.StatusOK, gin.H{"until": until})
}

func (s *Server) handleStartFocus(ctx *gin.Context) {
	var req focusRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		errorResponse(ctx, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	d, err := time.ParseDuration(req.Duration)
	if err != nil || d <= 0 {
		errorResponse(ctx, http.StatusBadRequest, "invalid_duration", "duration must be a positive Go duration")
		return
	}
	if len(req.Packages) == 0 {
		errorResponse(ctx, http.StatusBadRequest, "invalid_request", "packages must not be empty")
		return
	}

	session, err := s.cache.StartFocusSession(ctx.Request.Context(), req.Packages, d)
	if session.Expiry.IsZero() {
		errorResponse(ctx, http.StatusInternalServerError, "focus_failed", err.Error())
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Refresh after focus start failed")
	}

	ctx.JSON(http.StatusOK, gin.H{"packages": req.Packages, "until": session.Expiry})
}

func (s *Server) handleEndFocus(ctx *gin.Context) {
	if err := s.cache.EndFocusSession(ctx.Request.Context()); err != nil {
		errorResponse(ctx, http.StatusInternalServerError, "focus_failed", err.Error())
		return
	}
	ctx.Status(http.StatusNoContent)
}

// handleBlockStream pushes BlockTriggered events as server-sent events until
// the client disconnects or the server stops.
func (s *Server) handleBlockStream(ctx *gin.Context) {
	events, unsubscribe := s.dispatcher.Subscribe()
	defer unsubscribe()

	ctx.Header("Cache-Control", "no-cache")
	ctx.Header("X-Accel-Buffering", "no")

	done := ctx.Request.Context().Done()
	ctx.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			ctx.SSEvent("block", ev)
			return true
		case <-done:
			return false
		case <-s.done:
			return false
		}
	})
}
