package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/querycache/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "querycache",
		"version": s.version,
	})
}

// handleInfo returns host, process and cache information.
func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"system":  util.GetSystemInfo(),
		"process": util.GetProcessStats(),
		"cache":   s.cache.Stats(),
		"targets": s.cfg.GetTargets().Addresses,
		"history": s.history != nil,
	})
}

// handleGetConfig returns the current configuration by section.
func (s *Server) handleGetConfig(c *gin.Context) {
	mqtt := s.cfg.GetMQTT()
	mqtt.CertFile, mqtt.KeyFile = redact(mqtt.CertFile), redact(mqtt.KeyFile)

	c.JSON(http.StatusOK, gin.H{
		"query":   s.cfg.GetQuery(),
		"targets": s.cfg.GetTargets(),
		"api":     s.cfg.GetAPI(),
		"storage": s.cfg.GetStorage(),
		"mqtt":    mqtt,
		"logging": s.cfg.GetLogging(),
	})
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return "***"
}
