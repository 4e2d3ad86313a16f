// Package httpapi is the local control plane the UI shell talks to: REST
// operations on the session plus a websocket stream of state snapshots.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nebulachat/voicecore/internal/app/session"
	"github.com/nebulachat/voicecore/internal/config"
	"github.com/nebulachat/voicecore/internal/domain"
)

func genClientToken() string {
	return uuid.NewString()
}

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

func SetupRouter(cfg *config.Config, ctrl *session.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoiceCoreSession", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	events := NewEventsController(ctrl)
	ctrl.SetOnChange(events.Broadcast)

	api := r.Group("/api")

	api.GET("/session", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctrl.Snapshot())
	})

	api.POST("/session/join", func(c *gin.Context) {
		respond(c, ctrl.Join(c.Request.Context()))
	})
	api.POST("/session/preview", func(c *gin.Context) {
		respond(c, ctrl.PreviewJoin(c.Request.Context()))
	})
	api.POST("/session/confirm", func(c *gin.Context) {
		respond(c, ctrl.ConfirmJoin())
	})
	api.POST("/session/leave", func(c *gin.Context) {
		ctrl.Leave()
		c.JSON(http.StatusOK, ctrl.Snapshot())
	})

	api.POST("/session/mute", func(c *gin.Context) {
		var body struct {
			Muted bool `json:"muted"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctrl.SetMuted(body.Muted)
		c.JSON(http.StatusOK, ctrl.Snapshot())
	})
	api.POST("/session/deafen", func(c *gin.Context) {
		var body struct {
			Deafened bool `json:"deafened"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctrl.SetDeafened(body.Deafened)
		c.JSON(http.StatusOK, ctrl.Snapshot())
	})
	api.POST("/session/screenshare", func(c *gin.Context) {
		respond(c, ctrl.ToggleScreenshare())
	})

	api.POST("/users/:id/volume", func(c *gin.Context) {
		user := domain.UserID(c.Param("id"))
		if err := domain.ValidateUserID(user); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var body struct {
			Volume int `json:"volume"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctrl.SetUserVolume(user, body.Volume)
		c.JSON(http.StatusOK, ctrl.Snapshot())
	})
	api.POST("/users/:id/mute", func(c *gin.Context) {
		user := domain.UserID(c.Param("id"))
		if err := domain.ValidateUserID(user); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctrl.ToggleMuteUser(user)
		c.JSON(http.StatusOK, ctrl.Snapshot())
	})

	api.GET("/ws/events", func(c *gin.Context) {
		log.Info().
			Str("module", "adapters.httpapi").
			Str("sid", c.GetString("client_token")).
			Msg("events stream attached")
		events.HandleEvents(c)
	})

	return r
}

func respond(c *gin.Context, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case errors.Is(err, session.ErrActiveSession),
		errors.Is(err, session.ErrNotPreviewing),
		errors.Is(err, session.ErrNotConnected):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
