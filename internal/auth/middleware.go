package auth

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	loggerpkg "IntentMesh/pkg/logger"
)

// DefaultHeader 是默认的身份请求头。
const DefaultHeader = "X-User-ID"

// MiddlewareConfig 配置身份中间件的行为。
type MiddlewareConfig struct {
	// Header 是上游写入用户 ID 的请求头。
	Header string
	// Optional 为 true 时缺少身份的请求也会放行，由处理函数自行判断。
	Optional bool
	// Audit 为空时使用全局审计日志。
	Audit *slog.Logger
}

// Middleware 返回一个 gin 中间件：读取身份头，写入请求上下文，并记录访问审计日志。
func Middleware(cfg MiddlewareConfig) gin.HandlerFunc {
	header := cfg.Header
	if header == "" {
		header = DefaultHeader
	}
	return func(c *gin.Context) {
		audit := cfg.Audit
		if audit == nil {
			audit = loggerpkg.Audit()
		}
		id := strings.TrimSpace(c.GetHeader(header))
		if id == "" && !cfg.Optional {
			audit.Warn("access_denied",
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"status", http.StatusUnauthorized,
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":      "UNAUTHENTICATED",
				"message":   "缺少身份请求头 " + header,
				"retryable": false,
			})
			return
		}
		if id != "" {
			c.Request = c.Request.WithContext(WithSubject(c.Request.Context(), &Subject{ID: id}))
		}

		start := time.Now()
		c.Next()
		audit.Info("api_request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"user", id,
		)
	}
}
