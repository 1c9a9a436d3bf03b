package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/edgard/replyhub/internal/events"
	"github.com/edgard/replyhub/internal/session"
)

const (
	streamWriteWait    = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

type createInstanceRequest struct {
	Label    string `json:"label"    binding:"required,max=100"`
	Platform string `json:"platform" binding:"omitempty,oneof=whatsapp telegram"`
	Token    string `json:"token"`
}

func (s *Server) createInstance(c *gin.Context) {
	var req createInstanceRequest
	if !bindJSON(c, &req) {
		return
	}
	inst, err := s.deps.Sessions.Create(c.Request.Context(), ownerOf(c), session.CreateRequest{
		Label:    req.Label,
		Platform: req.Platform,
		Token:    req.Token,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (s *Server) listInstances(c *gin.Context) {
	list, err := s.deps.Sessions.List(c.Request.Context(), ownerOf(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": list})
}

func (s *Server) getInstance(c *gin.Context) {
	inst, err := s.deps.Sessions.Status(c.Request.Context(), ownerOf(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) connectInstance(c *gin.Context) {
	inst, err := s.deps.Sessions.Connect(c.Request.Context(), ownerOf(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, inst)
}

func (s *Server) deleteInstance(c *gin.Context) {
	if err := s.deps.Sessions.Delete(c.Request.Context(), ownerOf(c), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// streamEvents upgrades to a websocket and pushes the tenant's events,
// starting with the current state of every instance.
func (s *Server) streamEvents(c *gin.Context) {
	owner := ownerOf(c)
	ctx := c.Request.Context()

	// Subscribe before the snapshot so no transition falls between them.
	stream, cancel := s.deps.Hub.Subscribe(owner)
	defer cancel()

	instances, err := s.deps.Sessions.List(ctx, owner)
	if err != nil {
		abortWithError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WarnContext(ctx, "Websocket upgrade failed", "owner", owner, "error", err)
		return
	}
	defer conn.Close()

	write := func(ev events.Event) error {
		if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
			return err
		}
		return conn.WriteJSON(events.Stamp(ev))
	}
	for _, inst := range instances {
		if err := write(events.Event{
			Kind:       events.KindInstanceState,
			OwnerID:    owner,
			InstanceID: inst.ID,
			State:      string(inst.State),
			QR:         inst.QRCode,
		}); err != nil {
			return
		}
	}

	// The read loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	s.log.DebugContext(ctx, "Event stream opened", "owner", owner)
	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(streamWriteWait))
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if err := write(ev); err != nil {
				s.log.DebugContext(ctx, "Event stream write failed", "owner", owner, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
