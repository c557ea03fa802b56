package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/modmail/internal/bridge"
	"github.com/zulandar/modmail/internal/platform"
)

type api struct {
	bridge Bridge
	db     *gorm.DB
	log    *zap.Logger
}

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, a *api) {
	router.GET("/healthz", a.handleHealth)

	g := router.Group("/api")
	g.GET("/guilds/:guild/members", a.handleMembers)
	g.GET("/guilds/:guild/members/:member", a.handleMember)
	g.GET("/guilds/:guild/members/:member/roles", a.handleMemberRoles)
	g.GET("/guilds/:guild/roles/:role", a.handleRole)
	g.GET("/users/:user", a.handleUser)
	g.GET("/users/:user/threads", a.handleUserThreads)
	g.GET("/channels/:channel", a.handleChannel)
	g.GET("/threads/:thread/messages", a.handleThreadMessages)
}

func (a *api) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pending": a.bridge.Pending()})
}

func (a *api) handleMember(c *gin.Context) {
	m, err := a.bridge.MemberState(c.Request.Context(), c.Param("guild"), c.Param("member"))
	a.reply(c, m, err)
}

func (a *api) handleMemberRoles(c *gin.Context) {
	roles, err := a.bridge.RolesOfMember(c.Request.Context(), c.Param("guild"), c.Param("member"))
	a.reply(c, roles, err)
}

// handleMembers pages members with their staff level in ?category.
func (a *api) handleMembers(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	page, err := a.bridge.AllMemberStates(c.Request.Context(), c.Param("guild"), c.Query("category"), c.Query("after"), limit)
	a.reply(c, page, err)
}

func (a *api) handleRole(c *gin.Context) {
	r, err := a.bridge.RoleState(c.Request.Context(), c.Param("guild"), c.Param("role"))
	a.reply(c, r, err)
}

func (a *api) handleUser(c *gin.Context) {
	u, err := a.bridge.UserState(c.Request.Context(), c.Param("user"))
	a.reply(c, u, err)
}

func (a *api) handleChannel(c *gin.Context) {
	ch, err := a.bridge.ChannelState(c.Request.Context(), c.Param("channel"))
	a.reply(c, ch, err)
}

func (a *api) handleUserThreads(c *gin.Context) {
	threads, err := UserThreads(c.Request.Context(), a.db, c.Param("user"))
	a.reply(c, threads, err)
}

func (a *api) handleThreadMessages(c *gin.Context) {
	log, err := ThreadLog(c.Request.Context(), a.db, c.Param("thread"))
	a.reply(c, log, err)
}

// reply writes v as JSON or maps err to a status code.
func (a *api) reply(c *gin.Context, v any, err error) {
	if err == nil {
		c.JSON(http.StatusOK, v)
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Warn("request failed", zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps bridge and lookup errors to HTTP statuses.
func statusFor(err error) int {
	var remote *bridge.RemoteError
	switch {
	case errors.Is(err, bridge.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrThreadNotFound), errors.Is(err, platform.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &remote):
		switch {
		case remote.NotFound():
			return http.StatusNotFound
		case remote.Code == bridge.CodeBadRequest:
			return http.StatusBadRequest
		default:
			return http.StatusBadGateway
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
