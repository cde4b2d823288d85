package api

import (
	stdErrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"IntentMesh/internal/coordinator"
	"IntentMesh/internal/market"
)

// parties 是一个撮合涉及的双方。
type parties struct {
	match  *market.Match
	intent *market.Intent
	agent  *market.Agent
}

func (p parties) requester(c *gin.Context) bool {
	return subjectOf(c).Owns(p.intent.Owner)
}

// provider 判断调用方是否为智能体所有者。智能体已删除时没有提供方。
func (p parties) provider(c *gin.Context) bool {
	return p.agent != nil && subjectOf(c).Owns(p.agent.Owner)
}

// loadParties 读取撮合、意图与智能体。失败时已写入响应。
func (s *Server) loadParties(c *gin.Context) (parties, bool) {
	ctx := c.Request.Context()
	match, err := s.coord.GetMatch(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return parties{}, false
	}
	intent, err := s.coord.GetIntent(ctx, match.IntentID)
	if err != nil {
		writeError(c, err)
		return parties{}, false
	}
	agent, err := s.engine.GetAgent(ctx, match.AgentID)
	if err != nil && !stdErrors.Is(err, market.ErrAgentNotFound) {
		writeError(c, err)
		return parties{}, false
	}
	return parties{match: match, intent: intent, agent: agent}, true
}

// GET /api/v1/matches/:id
func (s *Server) getMatch(c *gin.Context) {
	p, ok := s.loadParties(c)
	if !ok {
		return
	}
	if !p.requester(c) && !p.provider(c) && !s.isOperator(subjectOf(c)) {
		forbidden(c, "只有撮合双方可以查看")
		return
	}
	c.JSON(http.StatusOK, p.match)
}

// GET /api/v1/matches/:id/escrow
func (s *Server) getEscrow(c *gin.Context) {
	p, ok := s.loadParties(c)
	if !ok {
		return
	}
	if !p.requester(c) && !p.provider(c) && !s.isOperator(subjectOf(c)) {
		forbidden(c, "只有撮合双方可以查看托管")
		return
	}
	e, err := s.coord.EscrowForMatch(c.Request.Context(), p.match.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// POST /api/v1/matches/:id/accept
//
// 由智能体所有者接受，随后开立托管并从意图付款方注资。
func (s *Server) acceptMatch(c *gin.Context) {
	p, ok := s.loadParties(c)
	if !ok {
		return
	}
	if !p.provider(c) {
		forbidden(c, "只有智能体所有者可以接受撮合")
		return
	}
	acceptance, err := s.coord.AcceptMatch(c.Request.Context(), p.match.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acceptance)
}

// POST /api/v1/matches/:id/reject
func (s *Server) rejectMatch(c *gin.Context) {
	p, ok := s.loadParties(c)
	if !ok {
		return
	}
	if !p.provider(c) && !p.requester(c) {
		forbidden(c, "只有撮合双方可以拒绝撮合")
		return
	}
	match, err := s.coord.RejectMatch(c.Request.Context(), p.match.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, match)
}

// POST /api/v1/matches/:id/fund
func (s *Server) fundEscrow(c *gin.Context) {
	p, ok := s.loadParties(c)
	if !ok {
		return
	}
	if !p.requester(c) {
		forbidden(c, "只有意图所有者可以注资")
		return
	}
	e, err := s.coord.FundEscrow(c.Request.Context(), p.match.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// POST /api/v1/matches/:id/start
func (s *Server) startWork(c *gin.Context) {
	p, ok := s.loadParties(c)
	if !ok {
		return
	}
	if !p.provider(c) {
		forbidden(c, "只有智能体所有者可以开工")
		return
	}
	intent, err := s.coord.StartWork(c.Request.Context(), p.match.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

// POST /api/v1/matches/:id/complete
//
// 完工即放款，因此由意图所有者确认。
func (s *Server) completeWork(c *gin.Context) {
	p, ok := s.loadParties(c)
	if !ok {
		return
	}
	if !p.requester(c) {
		forbidden(c, "只有意图所有者可以确认完工")
		return
	}
	intent, err := s.coord.CompleteWork(c.Request.Context(), p.match.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

// POST /api/v1/matches/:id/dispute
func (s *Server) dispute(c *gin.Context) {
	p, ok := s.loadParties(c)
	if !ok {
		return
	}
	if !p.requester(c) && !p.provider(c) {
		forbidden(c, "只有撮合双方可以发起争议")
		return
	}
	e, err := s.coord.Dispute(c.Request.Context(), p.match.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// POST /api/v1/matches/:id/resolve
func (s *Server) resolveDispute(c *gin.Context) {
	var req struct {
		Outcome coordinator.Outcome `json:"outcome" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "outcome 必须为 release 或 refund")
		return
	}
	if !s.isOperator(subjectOf(c)) {
		forbidden(c, "只有运维人员可以裁决争议")
		return
	}
	intent, err := s.coord.ResolveDispute(c.Request.Context(), c.Param("id"), req.Outcome)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

// GET /api/v1/escrows/:id/ledger
func (s *Server) getLedger(c *gin.Context) {
	ctx := c.Request.Context()
	if !s.isOperator(subjectOf(c)) {
		e, err := s.book.Escrow(ctx, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		intent, err := s.coord.GetIntent(ctx, e.IntentID)
		if err != nil {
			writeError(c, err)
			return
		}
		if !subjectOf(c).Owns(intent.Owner) {
			forbidden(c, "只有意图所有者可以查看账本")
			return
		}
	}
	entries, err := s.coord.Ledger(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// reportBody 是对账结果的响应结构。
type reportBody struct {
	EscrowID   string              `json:"escrow_id"`
	Status     market.EscrowStatus `json:"status"`
	Entries    int                 `json:"entries"`
	Consistent bool                `json:"consistent"`
	Error      string              `json:"error,omitempty"`
}

// POST /api/v1/escrows/:id/reconcile
//
// 不一致不是请求失败，以 consistent=false 返回。
func (s *Server) reconcile(c *gin.Context) {
	if !s.isOperator(subjectOf(c)) {
		forbidden(c, "只有运维人员可以触发对账")
		return
	}
	report, err := s.coord.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil && report.Err == nil {
		writeError(c, err)
		return
	}
	body := reportBody{EscrowID: report.EscrowID, Status: report.Status, Entries: report.Entries, Consistent: report.Consistent()}
	if report.Err != nil {
		body.Error = report.Err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// POST /api/v1/reconcile
func (s *Server) reconcileAll(c *gin.Context) {
	if !s.isOperator(subjectOf(c)) {
		forbidden(c, "只有运维人员可以触发对账")
		return
	}
	failed, err := s.book.ReconcileAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]reportBody, 0, len(failed))
	for _, report := range failed {
		out = append(out, reportBody{
			EscrowID: report.EscrowID,
			Status:   report.Status,
			Entries:  report.Entries,
			Error:    report.Err.Error(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"inconsistent": out})
}
