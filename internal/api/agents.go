package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"IntentMesh/internal/market"
	"IntentMesh/internal/matching"
)

// POST /api/v1/agents
func (s *Server) registerAgent(c *gin.Context) {
	var profile matching.AgentProfile
	if err := c.ShouldBindJSON(&profile); err != nil {
		badRequest(c, "请求体格式错误: "+err.Error())
		return
	}
	agent, err := s.engine.RegisterAgent(c.Request.Context(), subjectOf(c).ID, profile)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// GET /api/v1/agents?owner=&status=
func (s *Server) listAgents(c *gin.Context) {
	filter := market.AgentFilter{Owner: c.Query("owner")}
	for _, status := range splitQuery(c.Query("status")) {
		filter.Statuses = append(filter.Statuses, market.AgentStatus(status))
	}
	agents, err := s.engine.ListAgents(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// GET /api/v1/agents/:id
func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.engine.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// ownedAgent 读取智能体并确认调用方是所有者。失败时已写入响应。
func (s *Server) ownedAgent(c *gin.Context) (*market.Agent, bool) {
	agent, err := s.engine.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if !subjectOf(c).Owns(agent.Owner) {
		forbidden(c, "只有智能体所有者可以管理智能体")
		return nil, false
	}
	return agent, true
}

// PUT /api/v1/agents/:id
func (s *Server) updateAgent(c *gin.Context) {
	var profile matching.AgentProfile
	if err := c.ShouldBindJSON(&profile); err != nil {
		badRequest(c, "请求体格式错误: "+err.Error())
		return
	}
	agent, ok := s.ownedAgent(c)
	if !ok {
		return
	}
	updated, err := s.engine.UpdateAgentProfile(c.Request.Context(), agent.ID, profile)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// POST /api/v1/agents/:id/enable
func (s *Server) enableAgent(c *gin.Context) {
	s.setAgentEnabled(c, true)
}

// POST /api/v1/agents/:id/disable
func (s *Server) disableAgent(c *gin.Context) {
	s.setAgentEnabled(c, false)
}

func (s *Server) setAgentEnabled(c *gin.Context, enabled bool) {
	agent, ok := s.ownedAgent(c)
	if !ok {
		return
	}
	updated, err := s.engine.SetAgentEnabled(c.Request.Context(), agent.ID, enabled)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DELETE /api/v1/agents/:id
func (s *Server) deleteAgent(c *gin.Context) {
	agent, ok := s.ownedAgent(c)
	if !ok {
		return
	}
	if err := s.engine.DeleteAgent(c.Request.Context(), agent.ID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
