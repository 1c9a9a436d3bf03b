package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edgard/replyhub/internal/database"
	"github.com/edgard/replyhub/internal/dispatch"
	apperr "github.com/edgard/replyhub/internal/errors"
)

type sendMessageRequest struct {
	InstanceID   string               `json:"instanceId"`
	Recipient    string               `json:"recipient"    binding:"required"`
	Kind         database.MessageKind `json:"kind"`
	Content      string               `json:"content"`
	MediaRef     string               `json:"mediaRef"`
	Caption      string               `json:"caption"`
	ScheduledFor *time.Time           `json:"scheduledFor"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := s.deps.Dispatcher.Send(c.Request.Context(), ownerOf(c), dispatch.SendRequest{
		InstanceID:   req.InstanceID,
		Recipient:    req.Recipient,
		Kind:         req.Kind,
		Content:      req.Content,
		MediaRef:     req.MediaRef,
		Caption:      req.Caption,
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		if msg != nil {
			abortWithResource(c, err, "message", msg)
			return
		}
		abortWithError(c, err)
		return
	}
	status := http.StatusCreated
	if msg.Status == database.StatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, msg)
}

func (s *Server) listMessages(c *gin.Context) {
	limit, offset, err := paging(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	filter := database.MessageFilter{
		Status:    database.MessageStatus(c.Query("status")),
		Kind:      database.MessageKind(c.Query("kind")),
		ContactID: c.Query("contactId"),
		Recipient: c.Query("recipient"),
		Limit:     limit,
		Offset:    offset,
	}
	if filter.From, err = queryTime(c, "from"); err != nil {
		abortWithError(c, err)
		return
	}
	if filter.To, err = queryTime(c, "to"); err != nil {
		abortWithError(c, err)
		return
	}

	list, total, err := s.deps.Dispatcher.List(c.Request.Context(), ownerOf(c), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, page[database.Message]{Items: list, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) messageStats(c *gin.Context) {
	stats, err := s.deps.Dispatcher.Stats(c.Request.Context(), ownerOf(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getMessage(c *gin.Context) {
	msg, err := s.deps.Dispatcher.Get(c.Request.Context(), ownerOf(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) cancelMessage(c *gin.Context) {
	msg, err := s.deps.Dispatcher.Cancel(c.Request.Context(), ownerOf(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) resendMessage(c *gin.Context) {
	msg, err := s.deps.Dispatcher.Resend(c.Request.Context(), ownerOf(c), c.Param("id"))
	if err != nil {
		if msg != nil {
			abortWithResource(c, err, "message", msg)
			return
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func queryTime(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.NewValidationError(key+" must be an RFC 3339 timestamp", err)
	}
	return &t, nil
}
