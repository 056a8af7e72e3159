package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/groupchat/internal/server"
	"github.com/energizer-project/groupchat/internal/util"
)

// Version is reported by the ping endpoint.
const Version = "1.0.0"

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "groupchat",
		"version": Version,
	})
}

// handleGetRoster lists clients. ?state=connected or ?state=connecting
// filters, ?group=<id> restricts to one group.
func (s *Server) handleGetRoster(c *gin.Context) {
	snap := s.engine.Snapshot()

	state := c.Query("state")
	var group uint16
	if g := c.Query("group"); g != "" {
		id, ok := parseID(c, g)
		if !ok {
			return
		}
		group = id
	}

	clients := make([]server.ClientView, 0, len(snap.Clients))
	for _, cl := range snap.Clients {
		if state != "" && cl.State != state {
			continue
		}
		if group != 0 && cl.GroupID != group {
			continue
		}
		clients = append(clients, cl)
	}

	c.JSON(http.StatusOK, gin.H{
		"clients":   clients,
		"total":     len(clients),
		"capacity":  snap.Capacity,
		"connected": snap.ConnectedCount(),
		"taken_at":  snap.TakenAt,
	})
}

func (s *Server) handleGetClient(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	cl, found := s.engine.Snapshot().Client(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
		return
	}
	c.JSON(http.StatusOK, cl)
}

func (s *Server) handleGetGroups(c *gin.Context) {
	snap := s.engine.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"groups": snap.Groups,
		"total":  len(snap.Groups),
	})
}

func (s *Server) handleGetGroup(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	g, found := s.engine.Snapshot().Group(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
		return
	}
	c.JSON(http.StatusOK, g)
}

func (s *Server) handleGetStats(c *gin.Context) {
	snap := s.engine.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"traffic":        s.engine.Stats(),
		"queue_depth":    s.engine.QueueDepth(),
		"clients":        len(snap.Clients),
		"connected":      snap.ConnectedCount(),
		"groups":         len(snap.Groups),
		"capacity":       snap.Capacity,
		"uptime_seconds": int64(time.Since(s.engine.Started()).Seconds()),
	})
}

func (s *Server) handleGetSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"system":  util.GetSystemInfo(),
		"process": util.GetProcessStats(s.engine.Started()),
	})
}

func parseID(c *gin.Context, raw string) (uint16, bool) {
	id, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint16(id), true
}
