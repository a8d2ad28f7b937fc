package http

import (
	"context"

	"github.com/dkeye/Chatline/internal/adapters/signal"
	"github.com/dkeye/Chatline/internal/app"
	"github.com/dkeye/Chatline/internal/config"
	transport "github.com/dkeye/Chatline/internal/transport/http"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// IdentityMiddleware copies the cookie session's user id into the gin context.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v, ok := sessions.Default(c).Get(transport.SessionUserKey).(string); ok && v != "" {
			c.Set(signal.IdentityKey, v)
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, reg *app.Registry, ctrl *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("ChatlineSession", store))
	r.Use(IdentityMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := transport.NewHandlers(reg)
	api := r.Group("/api")
	api.GET("/status", h.Status)
	api.GET("/online", h.Online)
	api.POST("/session", h.Login)
	api.DELETE("/session", h.Logout)

	r.GET("/ws", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("user", c.Query("userId")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
