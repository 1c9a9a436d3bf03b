package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edgard/replyhub/internal/contacts"
	"github.com/edgard/replyhub/internal/database"
)

type updateContactRequest struct {
	Name    *string  `json:"name"`
	Tags    []string `json:"tags"`
	Notes   *string  `json:"notes"`
	Blocked *bool    `json:"blocked"`
}

func (s *Server) listContacts(c *gin.Context) {
	limit, offset, err := paging(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	list, total, err := s.deps.Contacts.List(c.Request.Context(), ownerOf(c), database.ContactFilter{
		Search: c.Query("search"),
		Tag:    c.Query("tag"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, page[database.Contact]{Items: list, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) contactTags(c *gin.Context) {
	tags, err := s.deps.Contacts.Tags(c.Request.Context(), ownerOf(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

func (s *Server) contactStats(c *gin.Context) {
	stats, err := s.deps.Contacts.Stats(c.Request.Context(), ownerOf(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getContact(c *gin.Context) {
	contact, err := s.deps.Contacts.Get(c.Request.Context(), ownerOf(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, contact)
}

func (s *Server) updateContact(c *gin.Context) {
	var req updateContactRequest
	if !bindJSON(c, &req) {
		return
	}
	contact, err := s.deps.Contacts.Update(c.Request.Context(), ownerOf(c), c.Param("id"), contacts.Update{
		Name:    req.Name,
		Tags:    req.Tags,
		Notes:   req.Notes,
		Blocked: req.Blocked,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, contact)
}

func (s *Server) deleteContact(c *gin.Context) {
	if err := s.deps.Contacts.Delete(c.Request.Context(), ownerOf(c), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) quotaBalance(c *gin.Context) {
	balance, err := s.deps.Ledger.Balance(c.Request.Context(), ownerOf(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}
