// Package server implements the HTTP Surface (spec.md §4.7): routing, Auth
// & CORS, Request Validation, and the handlers that drive the Tool
// Translator, Proxy Core, Status Aggregator and Switch Engine.
package server

import (
	"context"
	"net"
	"time"

	"github.com/rakunlabs/ada"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/proxy"
	"github.com/rakunlabs/at/internal/registry"
	"github.com/rakunlabs/at/internal/status"
	"github.com/rakunlabs/at/internal/store"
	"github.com/rakunlabs/at/internal/switchengine"
)

// Server wires the HTTP Surface to the Model Registry, Switch Engine,
// Status Aggregator and Proxy Core.
type Server struct {
	config config.Server

	server *ada.Server

	registry     *registry.Registry
	switchEngine *switchengine.Engine
	aggregator   *status.Aggregator
	core         *proxy.Core
	accounting   store.Accounting

	apiKey           string
	webUIAuthEnabled bool
	allowedOrigins   []string
	backendTimeout   time.Duration
}

// Deps bundles the components New needs, so callers don't thread a dozen
// constructor arguments by hand.
type Deps struct {
	Config           config.Server
	Registry         *registry.Registry
	SwitchEngine     *switchengine.Engine
	Aggregator       *status.Aggregator
	Core             *proxy.Core
	Accounting       store.Accounting
	APIKey           string
	WebUIAuthEnabled bool
	AllowedOrigins   []string
	BackendTimeout   time.Duration
}

func New(deps Deps) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:           deps.Config,
		server:           mux,
		registry:         deps.Registry,
		switchEngine:     deps.SwitchEngine,
		aggregator:       deps.Aggregator,
		core:             deps.Core,
		accounting:       deps.Accounting,
		apiKey:           deps.APIKey,
		webUIAuthEnabled: deps.WebUIAuthEnabled,
		allowedOrigins:   deps.AllowedOrigins,
		backendTimeout:   deps.BackendTimeout,
	}

	mux.Use(s.corsMiddleware)

	v1 := mux.Group(deps.Config.BasePath + "/v1")
	v1.POST("/chat/completions", s.withAuth(s.ChatCompletions))
	v1.POST("/completions", s.withAuth(s.Completions))
	v1.GET("/models", s.withAuth(s.ListModels))
	v1.GET("/models/status", s.withAuth(s.ModelsStatus))
	v1.POST("/models/{id}/start", s.withAuth(s.StartModel))
	v1.POST("/models/{id}/stop", s.withAuth(s.StopModel))
	v1.POST("/models/switch", s.withAuth(s.SwitchModel))

	if s.config.AdminToken != "" {
		v1.GET("/usage", s.adminAuthMiddlewareFunc(s.Usage))
	}

	root := mux.Group(deps.Config.BasePath)
	root.GET("/health", s.Health)
	root.GET("/ready", s.Ready)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}
