package web

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"cellcontrol-go/bus"
	"cellcontrol-go/devices"
	"cellcontrol-go/services/engine"
	"cellcontrol-go/types"
)

// binder extracts a command payload from the request body.
type binder func(c *gin.Context) (any, error)

// bindJSON binds the body into a T and hands it on by value, which is how
// the engine asserts payload types.
func bindJSON[T any](c *gin.Context) (any, error) {
	var p T
	err := c.ShouldBindJSON(&p)
	return p, err
}

// command builds a handler that forwards one bus request and translates the
// reply. A nil bind means the command carries no payload.
func (s *Server) command(topic bus.Topic, bind binder) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload any
		if bind != nil {
			p, err := bind(c)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			payload = p
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), s.reqTimeout)
		defer cancel()
		reply, err := s.conn.RequestWait(ctx, s.conn.NewMessage(topic, payload, false))
		if err != nil {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "engine did not answer"})
			return
		}
		switch rep := reply.Payload.(type) {
		case types.OKReply:
			c.JSON(http.StatusOK, gin.H{"ok": true})
		case types.ErrorReply:
			c.JSON(http.StatusConflict, gin.H{"error": rep.Error})
		default:
			c.JSON(http.StatusOK, gin.H{"data": reply.Payload})
		}
	}
}

// handleStatus returns the mirrored engine snapshot.
// GET /api/v1/status
func (s *Server) handleStatus(c *gin.Context) {
	s.mu.RLock()
	snap, have := s.snap, s.haveSnap
	s.mu.RUnlock()
	if !have {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine has not published yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": snap})
}

// handlePriming asks the engine for a live priming sensor read.
// GET /api/v1/priming
func (s *Server) handlePriming(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.reqTimeout)
	defer cancel()
	reply, err := s.conn.RequestWait(ctx, s.conn.NewMessage(engine.TopicPrimingRead, nil, false))
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "engine did not answer"})
		return
	}
	switch rep := reply.Payload.(type) {
	case types.PrimingReply:
		c.JSON(http.StatusOK, gin.H{"data": rep.Value})
	case types.ErrorReply:
		c.JSON(http.StatusConflict, gin.H{"error": rep.Error})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "unexpected reply"})
	}
}

// handlePorts lists candidate serial ports for the connect dialog.
// GET /api/v1/ports
func (s *Server) handlePorts(c *gin.Context) {
	ports, err := devices.ListPorts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ports == nil {
		ports = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"data": ports})
}
