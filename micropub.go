// Package micropub implements a Micropub server endpoint that publishes
// posts as Markdown files in a remote Git repository. Media attachments
// are uploaded through the Git LFS batch protocol, and authentication is
// delegated to an IndieAuth token endpoint.
//
// The endpoint never renders HTML; it only manipulates the source files
// a static site generator consumes.
package micropub

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"github.com/eringen/micropub/gitrepo"
	"github.com/eringen/micropub/lfs"
	"github.com/eringen/micropub/publishlog"
)

// App is the central micropub application. It wires together the
// repository client, the LFS uploader, the token verifier, and the
// HTTP handlers.
type App struct {
	Config   Config
	Echo     *echo.Echo
	Repo     Repository
	Uploader Uploader
	Verifier TokenVerifier

	publishLog *publishlog.Store
}

// New creates a micropub App with the given configuration. Options may
// inject alternate remote clients; any left nil are built from the
// configuration when Start runs.
func New(cfg Config, opts ...Option) *App {
	cfg.setDefaults()

	a := &App{
		Config: cfg,
		Echo:   echo.New(),
	}
	a.Echo.HideBanner = true

	for _, opt := range opts {
		opt(a)
	}

	a.setupMiddleware()
	a.setupRoutes()

	return a
}

func (a *App) setupRoutes() {
	g := a.Echo.Group("/micropub", a.requireToken)
	g.GET("", a.handleQuery)
	g.POST("", a.handleMicropub)
}

// Start validates required config, builds any remote clients not
// injected through options, and starts the server.
func (a *App) Start() error {
	if a.Config.BaseURL == "" {
		return fmt.Errorf("micropub: BaseURL is required")
	}

	if a.Repo == nil {
		if a.Config.GitHubOwner == "" || a.Config.GitHubRepo == "" {
			return fmt.Errorf("micropub: GitHub owner and repository are required")
		}
		a.Repo = gitrepo.NewClient(a.Config.GitHubOwner, a.Config.GitHubRepo, a.Config.GitHubToken,
			gitrepo.ClientOptions{Timeout: a.Config.RequestTimeout})
	}

	if a.Uploader == nil {
		if a.Config.LFSEndpoint == "" {
			return fmt.Errorf("micropub: LFSEndpoint is required")
		}
		uploader, err := lfs.NewClient(a.Config.LFSEndpoint, lfs.ClientOptions{Timeout: a.Config.RequestTimeout})
		if err != nil {
			return fmt.Errorf("micropub: init LFS client: %w", err)
		}
		a.Uploader = uploader
	}

	if a.Verifier == nil {
		a.Verifier = NewIndieAuthVerifier(a.Config)
	}

	if a.Config.PublishLogPath != "" && a.publishLog == nil {
		store, err := publishlog.Open(a.Config.PublishLogPath)
		if err != nil {
			return fmt.Errorf("micropub: open publish log: %w", err)
		}
		a.publishLog = store
	}

	if err := a.Echo.Start(a.Config.Addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close cleans up resources. Call this when the app is shutting down.
func (a *App) Close() error {
	if a.publishLog != nil {
		return a.publishLog.Close()
	}
	return nil
}

// EnvOr returns the value of the environment variable key, or fallback
// if empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// MustEnv returns the value of the environment variable key, or fatally
// exits if empty.
func MustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("micropub: required environment variable %s is not set", key)
	}
	return v
}
