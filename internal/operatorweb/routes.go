package operatorweb

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/operator"
	"github.com/zulandar/switchboard/internal/protocol"
)

// registerRoutes sets up all operator API routes on the Gin router.
func registerRoutes(router *gin.Engine, d *operator.Dispatcher, pollInterval time.Duration) {
	api := router.Group("/api/sessions")
	api.POST("", handleOpen(d))
	api.GET("/:token", handleStatus(d))
	api.GET("/:token/messages", handleReceive(d))
	api.GET("/:token/events", handleEvents(d, pollInterval))
	api.POST("/:token/messages", handleSend(d))
	api.POST("/:token/stop", handleStop(d))
	api.DELETE("/:token", handleRelease(d))
}

type openRequest struct {
	Token string `json:"token" binding:"required"`
}

type sendRequest struct {
	Text string `json:"text" binding:"required"`
}

type sessionResponse struct {
	Token          string `json:"token"`
	Status         string `json:"status"`
	InConversation bool   `json:"in_conversation"`
}

// statusPending is reported until the bot answers the handshake.
const statusPending = "PENDING"

func describe(iface *operator.Interface) sessionResponse {
	status, ok := iface.Status()
	resp := sessionResponse{Token: iface.Token(), Status: statusPending}
	if ok {
		resp.Status = string(status)
	}
	resp.InConversation = iface.InConversation()
	return resp
}

// httpStatus maps protocol errors to HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, protocol.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, protocol.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, protocol.ErrAlreadyConnected), errors.Is(err, operator.ErrInterfaceOpen):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrConversationStopped):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

// session resolves the :token parameter to an open Interface.
func session(c *gin.Context, d *operator.Dispatcher) (*operator.Interface, bool) {
	iface, ok := d.Interface(c.Param("token"))
	if !ok {
		abort(c, http.StatusNotFound, errors.New("no open session for token"))
		return nil, false
	}
	return iface, true
}

func handleOpen(d *operator.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req openRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		iface, err := d.GetInterface(c.Request.Context(), req.Token)
		if err != nil {
			abort(c, httpStatus(err), err)
			return
		}
		c.JSON(http.StatusCreated, describe(iface))
	}
}

func handleStatus(d *operator.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		iface, ok := session(c, d)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, describe(iface))
	}
}

func handleReceive(d *operator.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		iface, ok := session(c, d)
		if !ok {
			return
		}
		msgs, err := iface.ReceiveMessages()
		if err != nil {
			abort(c, httpStatus(err), err)
			return
		}
		if msgs == nil {
			msgs = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}

func handleSend(d *operator.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		iface, ok := session(c, d)
		if !ok {
			return
		}
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		if err := iface.SendMessage(c.Request.Context(), req.Text); err != nil {
			abort(c, httpStatus(err), err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleStop(d *operator.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		iface, ok := session(c, d)
		if !ok {
			return
		}
		if err := iface.StopConversation(c.Request.Context()); err != nil {
			abort(c, httpStatus(err), err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleRelease(d *operator.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		iface, ok := session(c, d)
		if !ok {
			return
		}
		if err := d.ReleaseInterface(c.Request.Context(), iface); err != nil {
			abort(c, httpStatus(err), err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
