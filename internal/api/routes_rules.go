package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/querycache/internal/cache"
	"github.com/energizer-project/querycache/internal/db"
	"github.com/energizer-project/querycache/internal/network"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// statusForKind maps a query error kind to an HTTP status.
var statusForKind = map[string]int{
	"invalid_address":      http.StatusBadRequest,
	"timeout":              http.StatusGatewayTimeout,
	"cancelled":            http.StatusServiceUnavailable,
	"invalid_header":       http.StatusBadGateway,
	"truncated_mod_record": http.StatusBadGateway,
	"unexpected_eof":       http.StatusBadGateway,
	"bad_packet":           http.StatusBadGateway,
	"network":              http.StatusBadGateway,
}

func (s *Server) writeQueryError(c *gin.Context, addr string, err error) {
	kind := cache.ErrorKind(err)
	status, ok := statusForKind[kind]
	if !ok {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{
		"error":   err.Error(),
		"kind":    kind,
		"address": addr,
	})
}

func wantsRefresh(c *gin.Context) bool {
	switch c.Query("refresh") {
	case "1", "true", "yes":
		return true
	}
	return false
}

func (s *Server) lookup(c *gin.Context) (*cache.Entry, bool) {
	addr := c.Param("addr")

	var (
		entry *cache.Entry
		err   error
	)
	if wantsRefresh(c) {
		entry, err = s.cache.Refresh(c.Request.Context(), addr)
	} else {
		entry, err = s.cache.Get(c.Request.Context(), addr)
	}
	if err != nil {
		s.writeQueryError(c, addr, err)
		return nil, false
	}
	return entry, true
}

// handleGetRules returns the decoded rules reply for a server.
func (s *Server) handleGetRules(c *gin.Context) {
	entry, ok := s.lookup(c)
	if !ok {
		return
	}

	reply := entry.Reply
	c.JSON(http.StatusOK, gin.H{
		"address":        entry.Address,
		"fetched_at":     entry.FetchedAt.Format(time.RFC3339Nano),
		"age_ms":         entry.Age().Milliseconds(),
		"latency_ms":     entry.Latency.Milliseconds(),
		"rule_count":     len(reply.Rules),
		"rules":          reply.Rules,
		"mods":           reply.Mods,
		"has_mod_record": reply.HasModRecord,
		"dlc":            reply.DLC,
	})
}

// handleGetMods returns only the mod list of a server.
func (s *Server) handleGetMods(c *gin.Context) {
	entry, ok := s.lookup(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":        entry.Address,
		"fetched_at":     entry.FetchedAt.Format(time.RFC3339Nano),
		"has_mod_record": entry.Reply.HasModRecord,
		"count":          len(entry.Reply.Mods),
		"mods":           entry.Reply.Mods,
	})
}

// historyAddress validates the history routes' preconditions.
func (s *Server) historyAddress(c *gin.Context) (string, bool) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history storage is disabled"})
		return "", false
	}
	addr, err := network.NormalizeAddress(c.Param("addr"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "invalid_address"})
		return "", false
	}
	return addr, true
}

// handleGetHistory lists recorded snapshots for a server, newest first.
func (s *Server) handleGetHistory(c *gin.Context) {
	addr, ok := s.historyAddress(c)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	snaps, err := s.history.ListSnapshots(c.Request.Context(), addr, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("address", addr).Msg("failed to list snapshots")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":   addr,
		"count":     len(snaps),
		"snapshots": snaps,
	})
}

// handleGetLatestSnapshot returns the newest snapshot with its rules and mods.
func (s *Server) handleGetLatestSnapshot(c *gin.Context) {
	addr, ok := s.historyAddress(c)
	if !ok {
		return
	}

	snap, err := s.history.LatestSnapshot(c.Request.Context(), addr)
	if errors.Is(err, db.ErrNoSnapshot) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("address", addr).Msg("failed to read snapshot")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleFlush evicts a server from the cache.
func (s *Server) handleFlush(c *gin.Context) {
	addr, err := network.NormalizeAddress(c.Param("addr"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "invalid_address"})
		return
	}

	removed := s.cache.Invalidate(addr)
	s.logger.Info().Str("address", addr).Bool("removed", removed).Msg("cache entry flushed")
	c.JSON(http.StatusOK, gin.H{
		"address": addr,
		"removed": removed,
	})
}

// handleCacheStats returns cache counters.
func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.cache.Stats())
}
