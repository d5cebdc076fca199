package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"msggate/tools/errs"

	"github.com/gin-gonic/gin"
)

// context key
const CtxAPIKey = "apiKey"

type Options struct {
	// 读取哪个请求头
	HeaderKey                 string // 默认 "X-API-Key"
	EnableAuthorizationBearer bool   // 默认 true
	// Key 为空时不校验，所有请求放行
	Key string
}

func DefaultOptions(key string) *Options {
	return &Options{
		HeaderKey:                 "X-API-Key",
		EnableAuthorizationBearer: true,
		Key:                       key,
	}
}

// Presented 取出请求携带的 key：优先专用头，其次 Authorization: Bearer xxx
func Presented(c *gin.Context, opts *Options) string {
	key := strings.TrimSpace(c.GetHeader(opts.HeaderKey))
	if key == "" && opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				key = strings.TrimSpace(authz[len("bearer "):])
			}
		}
	}
	return key
}

func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions("")
	}
	want := []byte(opts.Key)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}
		key := Presented(c, opts)
		if key == "" || subtle.ConstantTimeCompare([]byte(key), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrUnauthorized)
			return
		}
		c.Set(CtxAPIKey, key)
		c.Next()
	}
}
