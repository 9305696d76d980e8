// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package fanout

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/agent-assist/internal/bus"
	"github.com/rapidaai/agent-assist/internal/registry"
	"github.com/rapidaai/agent-assist/pkg/types"
)

// RegisterRoutes mounts the dashboard-facing read surface.
func (s *Service) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/health", s.handleHealth)
	engine.GET("/events/stream", s.handleStream)
	engine.GET("/transcripts/status", s.handleStatus)
	engine.GET("/calls/active", s.handleActiveCalls)
	engine.POST("/calls/ingest-transcript", s.handleIngestTranscript)
}

func (s *Service) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	s.mu.Lock()
	extras := make(map[string]func() interface{}, len(s.healthExtras))
	for name, fn := range s.healthExtras {
		extras[name] = fn
	}
	s.mu.Unlock()
	for name, fn := range extras {
		body[name] = fn()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Service) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Status())
}

func (s *Service) handleActiveCalls(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	calls, err := s.registry.ListActive(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if calls == nil {
		calls = []*registry.Call{}
	}
	body := gin.H{"ok": true, "calls": calls}
	if len(calls) > 0 {
		// Most recent activity first, so the head is the freshest call.
		body["latestCall"] = calls[0].InteractionID
	}
	c.JSON(http.StatusOK, body)
}

// handleStream serves one SSE connection for one call.
func (s *Service) handleStream(c *gin.Context) {
	callID := c.Query("callId")
	if callID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "callId query parameter is required"})
		return
	}

	cl, err := s.attach(c.Request.Context(), callID)
	if err != nil {
		if errors.Is(err, registry.ErrCallNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown call"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer s.detach(cl)

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	fmt.Fprintf(c.Writer, "event: %s\ndata: {\"callId\":%q,\"clientId\":%q}\n\n", EventConnected, callID, cl.id)
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev := <-cl.queue:
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
			c.Writer.Flush()
		case <-heartbeat.C:
			// Comment frame keeps intermediaries from idling us out.
			fmt.Fprint(c.Writer, ":\n\n")
			c.Writer.Flush()
		case <-cl.dropped:
			return
		case <-c.Request.Context().Done():
			return
		case <-s.ctx.Done():
			// Shutting down: tell the dashboard when to come back.
			fmt.Fprint(c.Writer, "retry: 5000\n\n")
			c.Writer.Flush()
			return
		}
	}
}

type ingestTranscriptRequest struct {
	CallID string `json:"callId" binding:"required"`
	Text   string `json:"text" binding:"required"`
	Type   string `json:"type"`
	Seq    uint64 `json:"seq"`
	Ts     int64  `json:"ts"`
}

// handleIngestTranscript is the side door for transcript lines produced
// outside the ASR worker, e.g. chat messages or manual agent notes. The
// line rides the call's transcript topic like any vendor line, and the
// collaborator verdict comes back inline.
func (s *Service) handleIngestTranscript(c *gin.Context) {
	tenantID := c.GetHeader("x-tenant-id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "x-tenant-id header is required"})
		return
	}

	var req ingestTranscriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type == "" {
		req.Type = types.TranscriptFinal
	}
	if req.Type != types.TranscriptPartial && req.Type != types.TranscriptFinal {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown transcript type %q", req.Type)})
		return
	}

	ts := req.Ts
	if ts == 0 {
		ts = s.now().UnixMilli()
	}
	tr := &types.Transcript{
		InteractionID: req.CallID,
		TenantID:      tenantID,
		Seq:           req.Seq,
		Type:          req.Type,
		Text:          req.Text,
		TimestampMs:   ts,
	}
	payload, err := tr.Encode()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.bus.Publish(c.Request.Context(), bus.TranscriptTopic(req.CallID), payload); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	suggestion, err := s.assist.Suggest(c.Request.Context(), tenantID, req.CallID, req.Text)
	if err != nil {
		s.logger.Warnw("Assist lookup failed", "call", req.CallID, "error", err.Error())
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"intent":     suggestion.Intent,
		"confidence": suggestion.Confidence,
		"articles":   suggestion.Articles,
	})
}
