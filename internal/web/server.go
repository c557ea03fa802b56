// Package web is the front-facing HTTP process. It answers platform state
// queries through the RPC bridge and serves thread logs from the database.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/modmail/internal/bridge"
	"github.com/zulandar/modmail/internal/platform"
)

// Bridge is the part of the bridge requester the API calls.
type Bridge interface {
	RolesOfMember(ctx context.Context, guildID, memberID string) ([]platform.Role, error)
	MemberState(ctx context.Context, guildID, memberID string) (platform.Member, error)
	AllMemberStates(ctx context.Context, guildID, categoryID, after string, limit int) (bridge.MemberPage, error)
	UserState(ctx context.Context, userID string) (platform.User, error)
	RoleState(ctx context.Context, guildID, roleID string) (platform.Role, error)
	ChannelState(ctx context.Context, channelID string) (platform.Channel, error)
	Pending() int
}

// StartOpts holds configuration for the web server.
type StartOpts struct {
	Bridge Bridge
	DB     *gorm.DB
	Port   int
	Logger *zap.Logger
	Out    io.Writer
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Bridge == nil {
		return nil, fmt.Errorf("web: bridge is required")
	}
	if opts.DB == nil {
		return nil, fmt.Errorf("web: db is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))
	registerRoutes(router, &api{bridge: opts.Bridge, db: opts.DB, log: log})
	return router, nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Modmail web running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web: %w", err)
	}
	return nil
}

// requestLogger logs one line per request.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
