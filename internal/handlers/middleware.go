package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsHeaders = "Content-Type, Authorization"
)

// OriginFilter rejects browser requests from origins outside allowedOrigins
// and answers CORS preflights. A "*" entry allows every origin. Requests
// without an origin, such as local tooling, pass through.
func OriginFilter(allowedOrigins []string) gin.HandlerFunc {
	origins := newOriginSet(allowedOrigins)

	return func(c *gin.Context) {
		origin := requestOrigin(c.Request)
		if origin != "" {
			if !origins.allows(origin) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
				return
			}
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type originSet struct {
	any   bool
	exact map[string]struct{}
}

func newOriginSet(list []string) originSet {
	s := originSet{exact: make(map[string]struct{}, len(list))}
	for _, o := range list {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o == "*" {
			s.any = true
			continue
		}
		if o != "" {
			s.exact[o] = struct{}{}
		}
	}
	return s
}

func (s originSet) allows(origin string) bool {
	if s.any {
		return true
	}
	_, ok := s.exact[strings.TrimSuffix(origin, "/")]
	return ok
}

// requestOrigin falls back to Sec-WebSocket-Origin for older websocket
// clients.
func requestOrigin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" {
		return o
	}
	return r.Header.Get("Sec-WebSocket-Origin")
}
