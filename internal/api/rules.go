package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edgard/replyhub/internal/database"
	"github.com/edgard/replyhub/internal/rules"
)

type createRuleRequest struct {
	InstanceID string              `json:"instanceId" binding:"required"`
	Name       string              `json:"name"       binding:"max=100"`
	Trigger    string              `json:"trigger"    binding:"required"`
	ActionKind database.ActionKind `json:"actionKind" binding:"required"`
	Payload    string              `json:"payload"`
	Active     *bool               `json:"active"`
}

type updateRuleRequest struct {
	Name       *string              `json:"name"`
	Trigger    *string              `json:"trigger"`
	ActionKind *database.ActionKind `json:"actionKind"`
	Payload    *string              `json:"payload"`
	Active     *bool                `json:"active"`
}

func (s *Server) createRule(c *gin.Context) {
	var req createRuleRequest
	if !bindJSON(c, &req) {
		return
	}
	rule, err := s.deps.Rules.Create(c.Request.Context(), ownerOf(c), rules.Input{
		InstanceID: req.InstanceID,
		Name:       req.Name,
		Trigger:    req.Trigger,
		ActionKind: req.ActionKind,
		Payload:    req.Payload,
		Active:     req.Active,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) listRules(c *gin.Context) {
	list, err := s.deps.Rules.List(c.Request.Context(), ownerOf(c), c.Query("instanceId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": list})
}

func (s *Server) getRule(c *gin.Context) {
	rule, err := s.deps.Rules.Get(c.Request.Context(), ownerOf(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) updateRule(c *gin.Context) {
	var req updateRuleRequest
	if !bindJSON(c, &req) {
		return
	}
	rule, err := s.deps.Rules.Update(c.Request.Context(), ownerOf(c), c.Param("id"), rules.Update{
		Name:       req.Name,
		Trigger:    req.Trigger,
		ActionKind: req.ActionKind,
		Payload:    req.Payload,
		Active:     req.Active,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) deleteRule(c *gin.Context) {
	if err := s.deps.Rules.Delete(c.Request.Context(), ownerOf(c), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
