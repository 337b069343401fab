package server

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/remgo/remgo/internal/bus"
	"github.com/remgo/remgo/internal/catalog"
	"github.com/remgo/remgo/internal/config"
	"github.com/remgo/remgo/internal/coordinator"
	"github.com/remgo/remgo/internal/history"
	"github.com/remgo/remgo/internal/scheduler"
)

// Deps are the collaborators the HTTP surface routes into. The surface
// itself holds no state beyond them.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Scheduler   *scheduler.Scheduler
	Bus         *bus.Bus
	Catalog     *catalog.Catalog
	History     *history.Reader
	Editor      *config.Editor
	OutputsDir  string
	Log         *zap.SugaredLogger
}

type Server struct {
	deps     Deps
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
}

func New(deps Deps) *Server {
	return &Server{
		deps: deps,
		log:  deps.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The UI is served from arbitrary origins (file://, LAN hosts).
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Engine assembles the gin router with all routes and middleware.
func (s *Server) Engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestID())
	r.Use(s.cors())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/ws", "/images"})))

	r.GET("/settings", s.settings)
	r.GET("/gpus", s.gpus)
	r.POST("/generate", s.generate)
	r.GET("/status/:id", s.status)
	r.POST("/stop", s.stop)
	r.GET("/history", s.history)
	r.GET("/config/editor", s.configGet)
	r.POST("/config/editor", s.configPost)
	r.GET("/health", s.health)
	r.GET("/ws", s.websocket)
	if s.deps.OutputsDir != "" {
		r.Static("/images", s.deps.OutputsDir)
	}
	return r
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Set("request_id", id)
		c.Next()
	}
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
