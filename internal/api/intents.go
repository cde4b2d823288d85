package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"IntentMesh/internal/auth"
	"IntentMesh/internal/coordinator"
	"IntentMesh/internal/market"
)

func subjectOf(c *gin.Context) *auth.Subject {
	return auth.SubjectFromContext(c.Request.Context())
}

// POST /api/v1/intents
func (s *Server) createIntent(c *gin.Context) {
	var in coordinator.CreateIntentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "请求体格式错误: "+err.Error())
		return
	}
	in.Owner = subjectOf(c).ID
	intent, err := s.coord.CreateIntent(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, intent)
}

// GET /api/v1/intents?owner=&status=&limit=
func (s *Server) listIntents(c *gin.Context) {
	filter := market.IntentFilter{Owner: c.Query("owner")}
	if filter.Owner == "" {
		filter.Owner = subjectOf(c).ID
	}
	for _, status := range splitQuery(c.Query("status")) {
		filter.Statuses = append(filter.Statuses, market.IntentStatus(status))
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			badRequest(c, "limit 必须是非负整数")
			return
		}
		filter.Limit = limit
	}
	intents, err := s.coord.ListIntents(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intents": intents})
}

// GET /api/v1/intents/:id
func (s *Server) getIntent(c *gin.Context) {
	intent, err := s.coord.GetIntent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

// ownedIntent 读取意图并确认调用方是所有者。失败时已写入响应。
func (s *Server) ownedIntent(c *gin.Context) (*market.Intent, bool) {
	intent, err := s.coord.GetIntent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if !subjectOf(c).Owns(intent.Owner) {
		forbidden(c, "只有意图所有者可以执行该操作")
		return nil, false
	}
	return intent, true
}

// GET /api/v1/intents/:id/candidates
func (s *Server) findCandidates(c *gin.Context) {
	intent, ok := s.ownedIntent(c)
	if !ok {
		return
	}
	candidates, err := s.coord.FindCandidates(c.Request.Context(), intent.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates})
}

// GET /api/v1/intents/:id/matches
func (s *Server) listMatches(c *gin.Context) {
	intent, ok := s.ownedIntent(c)
	if !ok {
		return
	}
	matches, err := s.coord.ListMatches(c.Request.Context(), intent.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches})
}

// POST /api/v1/intents/:id/matches
func (s *Server) proposeMatch(c *gin.Context) {
	var req struct {
		AgentID string `json:"agent_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "agent_id 不能为空")
		return
	}
	intent, ok := s.ownedIntent(c)
	if !ok {
		return
	}
	match, err := s.coord.ProposeMatch(c.Request.Context(), intent.ID, req.AgentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, match)
}

// POST /api/v1/intents/:id/cancel
func (s *Server) cancelIntent(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "请求体格式错误: "+err.Error())
			return
		}
	}
	intent, ok := s.ownedIntent(c)
	if !ok {
		return
	}
	cancelled, err := s.coord.Cancel(c.Request.Context(), intent.ID, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cancelled)
}

func splitQuery(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
