package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/adapters/ws"
	"github.com/dkeye/voicelink/internal/config"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware tags every UI client with a long lived cookie so its
// websocket subscriptions can be told apart in the logs.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type Deps struct {
	Session  Session
	Devices  Devices
	Tones    TonePlayer
	Resetter Resetter
	WS       *ws.Controller
	// Hub, when set, is told about selection changes made over REST.
	Hub *ws.Hub
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{deps: deps}
	api := r.Group("/api")

	api.GET("/session", h.getSession)
	api.POST("/session/connect", h.connect)
	api.POST("/session/disconnect", h.disconnect)
	api.POST("/reset", h.reset)

	api.GET("/devices", h.listDevices)
	api.PUT("/devices/:kind", h.selectDevice)
	api.POST("/devices/output/test", h.testOutput)

	if deps.WS != nil {
		api.GET("/ws/events", func(c *gin.Context) {
			log.Info().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws events endpoint hit")
			deps.WS.HandleEvents(ctx, c)
		})
		api.GET("/ws/meter", func(c *gin.Context) {
			deps.WS.HandleMeter(ctx, c)
		})
	}

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	return r
}
