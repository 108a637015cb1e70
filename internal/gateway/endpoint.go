// Package gateway implements the relay's transport endpoint and
// connection manager: WebSocket upgrade with origin and
// capacity checks, per-connection read/write pumps and keepalive, inbound
// frame dispatch to the owning Session, and the read-only REST surface over
// the Store, all hosted on one gin router and one port.
package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bridgecore/relay/internal/agentdriver"
	"github.com/bridgecore/relay/internal/common/constants"
	"github.com/bridgecore/relay/internal/common/logger"
	"github.com/bridgecore/relay/internal/session"
	"github.com/bridgecore/relay/internal/store"
	"github.com/bridgecore/relay/internal/streamctl"
	"github.com/bridgecore/relay/pkg/protocol"
)

// extensionSchemes are the origin schemes a browser extension connects
// from; anything else is rejected with close code 4003.
var extensionSchemes = []string{
	"chrome-extension://",
	"moz-extension://",
	"safari-web-extension://",
}

// defaultMaxConnections backs an unset Options.MaxConnections.
const defaultMaxConnections = 100

// Options carries the Endpoint's knobs, sourced from config at wiring time.
type Options struct {
	ProjectRoot           string
	DefaultPermissionMode protocol.PermissionMode
	MaxConnections        int
	PingInterval          time.Duration
	PingMissLimit         int

	// AllowNoOrigin admits connections without an Origin header, for
	// local tooling against a debug build. Browser extensions always send
	// one.
	AllowNoOrigin bool
}

// Endpoint hosts the WebSocket transport and the read-only REST API.
type Endpoint struct {
	sessions *session.Manager
	store    *store.Store
	streams  *streamctl.Controller
	conns    *ConnManager
	logger   *logger.Logger

	projectRoot           string
	defaultPermissionMode protocol.PermissionMode
	pingInterval          time.Duration
	pingMissLimit         int
	allowNoOrigin         bool

	router *gin.Engine
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The origin decision is made after the upgrade so the client receives
	// the 4003 close code instead of a bare HTTP 403.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New wires the Endpoint and builds its router.
func New(sessions *session.Manager, st *store.Store, streams *streamctl.Controller, log *logger.Logger, opts Options) *Endpoint {
	e := &Endpoint{
		sessions:              sessions,
		store:                 st,
		streams:               streams,
		conns:                 NewConnManager(opts.MaxConnections, log),
		logger:                log.WithFields(zap.String("component", "gateway")),
		projectRoot:           opts.ProjectRoot,
		defaultPermissionMode: opts.DefaultPermissionMode,
		pingInterval:          opts.PingInterval,
		pingMissLimit:         opts.PingMissLimit,
		allowNoOrigin:         opts.AllowNoOrigin,
	}
	if e.defaultPermissionMode == "" {
		e.defaultPermissionMode = protocol.PermissionModePlan
	}
	if e.pingInterval <= 0 {
		e.pingInterval = constants.DefaultPingInterval
	}
	if e.pingMissLimit <= 0 {
		e.pingMissLimit = constants.DefaultPingMissLimit
	}
	if opts.MaxConnections <= 0 {
		e.conns.max = defaultMaxConnections
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", e.handleWS)
	e.registerREST(router)

	e.router = router
	return e
}

// Router exposes the gin handler for the HTTP server.
func (e *Endpoint) Router() *gin.Engine { return e.router }

// Connections exposes the Connection Manager, for shutdown.
func (e *Endpoint) Connections() *ConnManager { return e.conns }

// handleWS upgrades the HTTP request and runs the connection until it dies.
func (e *Endpoint) handleWS(c *gin.Context) {
	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		e.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(uuid.New().String(), sock, e.conns, e, e.logger)
	go conn.writePump()

	if origin := c.Request.Header.Get("Origin"); !e.originAllowed(origin) {
		e.logger.Warn("origin rejected", zap.String("origin", origin))
		conn.close(protocol.CloseOriginRejected, protocol.CodeOriginRejected)
		return
	}

	if !e.conns.TryAdd(conn) {
		e.logger.Warn("connection capacity exceeded", zap.Int("max", e.conns.max))
		conn.close(protocol.CloseCapacityExceeded, protocol.CodeCapacityExceeded)
		return
	}

	conn.run(c.Request.Context())
}

func (e *Endpoint) originAllowed(origin string) bool {
	if origin == "" {
		return e.allowNoOrigin
	}
	for _, scheme := range extensionSchemes {
		if strings.HasPrefix(origin, scheme) {
			return true
		}
	}
	return false
}

func permissionModeFromWire(m protocol.PermissionMode) agentdriver.PermissionMode {
	return agentdriver.PermissionMode(m)
}
