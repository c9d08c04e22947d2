package server

import (
	"net/http"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/blob"
	"chatsync/internal/config"
	"chatsync/internal/docstore"
	"chatsync/internal/metrics"
	"chatsync/internal/mw"
	"chatsync/internal/service"
	"chatsync/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Deps 是路由需要的全部依赖，由 main 按配置组装。
type Deps struct {
	Store    docstore.Store
	Auth     *auth.Service
	Users    *service.UserService
	Contacts *service.ContactService
	Composer *service.Composer
	Hub      *ws.Hub
	Presence service.Presence
	// Blobs 仅在 memory 驱动下非空，用于回读上传的文件。
	Blobs *blob.Memory
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
// 返回的 stop 用于停服时释放后台 goroutine。
func SetupRouter(cfg config.Config, d Deps) (*gin.Engine, func()) {
	if d.Presence == nil && d.Hub != nil {
		d.Presence = d.Hub
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))
	// 登录用户按用户限速，匿名请求按 IP 限速。
	limit, rl := mw.RateLimit(rate.Every(time.Second/20), 40, func(c *gin.Context) string {
		if uid, err := d.Auth.Authenticate(auth.BearerToken(c)); err == nil {
			return "user:" + uid
		}
		return ""
	})
	r.Use(limit)

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if d.Blobs != nil {
		r.GET("/blobs/*key", ServeBlob(d.Blobs))
	}

	h := NewHandler(d)
	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.Middleware(d.Auth))
	authed.POST("/auth/logout", h.Logout)
	authed.GET("/me", h.Me)
	authed.PUT("/me/avatar", h.UpdateAvatar)
	authed.GET("/users/search", h.SearchUser)
	authed.POST("/users/:id/block", h.Block)
	authed.DELETE("/users/:id/block", h.Unblock)
	authed.GET("/conversations", h.ListConversations)
	authed.POST("/conversations", h.StartConversation)
	authed.GET("/conversations/:id", h.GetConversation)
	authed.POST("/conversations/:id/messages", h.SendMessage)
	authed.POST("/conversations/:id/seen", h.MarkSeen)

	if d.Hub != nil {
		deps := service.SessionDeps{
			Store:    d.Store,
			Presence: d.Presence,
			Users:    d.Users,
			Contacts: d.Contacts,
			Composer: d.Composer,
		}
		r.GET("/ws", ws.Serve(d.Hub, d.Auth, deps, mw.CheckOrigin(cfg.Env, cfg.CORSOrigins)))
	}
	return r, rl.Stop
}
