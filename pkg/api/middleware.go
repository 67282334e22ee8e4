package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// auth accepts either of two credentials: a shared API key, or an HMAC
// signature over the request body (the webhook-callback pattern). Both are
// compared in constant time. With no API key configured, auth is open —
// local development only.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := s.deps.Cfg.APIKey
		if apiKey == "" {
			c.Next()
			return
		}

		if key := c.GetHeader("X-API-Key"); key != "" {
			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
				c.Next()
				return
			}
		}

		if sig := c.GetHeader("X-Webhook-Signature"); sig != "" && s.validSignature(c, sig) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false, "error": "missing or invalid credentials",
		})
	}
}

// validSignature checks sha256=<hex(HMAC-SHA256(secret, body))>, restoring
// the body for the handler afterwards.
func (s *Server) validSignature(c *gin.Context, header string) bool {
	secret := s.deps.Cfg.WebhookSecret
	if secret == "" || !strings.HasPrefix(header, "sha256=") {
		return false
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return false
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.TrimPrefix(header, "sha256=")), []byte(expected))
}

// cors reflects allowed origins from configuration.
func (s *Server) cors() gin.HandlerFunc {
	allowed := make(map[string]bool, len(s.deps.Cfg.AllowedOrigins))
	allowAll := false
	for _, o := range s.deps.Cfg.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Webhook-Signature")
			c.Header("Access-Control-Max-Age", "3600")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP())
	}
}
