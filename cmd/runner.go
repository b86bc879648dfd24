package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stevedimarzio/tidal-mcp/internal/formatter"
	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/repositories"
	"github.com/stevedimarzio/tidal-mcp/internal/services"
	"github.com/stevedimarzio/tidal-mcp/internal/sessions"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	"github.com/stevedimarzio/tidal-mcp/internal/tasks"
	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"
)

const (
	closeTimeout = 5 * time.Second
	tuiLogFile   = "tidal-mcp.log"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
//
// The session store, manager and catalog client are built on first use, so commands that
// only talk to a running server never touch local storage.
type Runner struct {
	config     *shared.Config
	configPath string
	logger     *log.Logger
	output     io.Writer
	httpClient *http.Client
	getenv     func(string) string
	launcher   shared.Launcher

	store     repositories.SessionStore
	ownsStore bool
	provider  services.DeviceAuthProvider
	manager   *sessions.Manager
	catalog   services.Catalog
	engine    *tasks.RecommendationEngine
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config     *shared.Config
	ConfigPath string
	Logger     *log.Logger
	Output     io.Writer
	HTTPClient *http.Client
	Getenv     func(string) string
	Launcher   shared.Launcher
	Store      repositories.SessionStore
	Provider   services.DeviceAuthProvider
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Launcher == nil {
		opts.Launcher = shared.BrowserLauncher{}
	}

	return &Runner{
		config:     opts.Config,
		configPath: opts.ConfigPath,
		logger:     opts.Logger,
		output:     opts.Output,
		httpClient: opts.HTTPClient,
		getenv:     opts.Getenv,
		launcher:   opts.Launcher,
		store:      opts.Store,
		provider:   opts.Provider,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		serveCommand, loginCommand, statusCommand, sessionsCommand, logoutCommand,
		searchCommand, favoritesCommand, playlistsCommand, recommendCommand, browseCommand,
		setupCommand, healthCommand, apiCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// before loads the config file named by --config, applies the environment and sets the log level.
func (r *Runner) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if cmd.Bool("verbose") {
		shared.SetLogLevel(r.logger, log.DebugLevel)
	}

	path := cmd.String("config")
	if path == "" {
		path = r.configPath
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			config, err := shared.LoadConfig(path)
			if err != nil {
				return ctx, err
			}
			r.config = config
			r.configPath = path
			r.logger.Debug("loaded config", "path", path)
		} else if cmd.IsSet("config") {
			return ctx, fmt.Errorf("%w: %s", shared.ErrMissingConfig, path)
		}
	}

	if err := r.config.ApplyEnv(r.getenv); err != nil {
		return ctx, err
	}
	return ctx, nil
}

// open builds the local session store, manager and catalog client once.
func (r *Runner) open(ctx context.Context) error {
	if r.manager != nil {
		return nil
	}
	if err := r.config.Validate(); err != nil {
		return err
	}

	if r.store == nil {
		store, err := repositories.Open(ctx, r.config, r.logger)
		if err != nil {
			return err
		}
		r.store, r.ownsStore = store, true
	}

	if r.provider == nil {
		auth, err := services.NewTidalAuth(r.config.Tidal, r.httpClient)
		if err != nil {
			r.logger.Debug("TIDAL client not configured", "error", err)
			r.provider = unconfiguredProvider{err: err}
		} else {
			r.provider = auth
		}
	}

	r.manager = sessions.NewManager(sessions.Options{
		Store:    r.store,
		Provider: r.provider,
		Launcher: r.launcher,
		Logger:   r.logger,
		Config:   r.config.Sessions,
	})
	catalog := services.NewTidalService(r.manager, r.config.Tidal, r.config.Catalog, r.httpClient, r.logger)
	r.catalog = catalog
	r.engine = tasks.NewRecommendationEngine(catalog, r.logger)
	return nil
}

// close stops background flows and releases the store. Pending logins stay resumable.
func (r *Runner) close(ctx context.Context, _ *cli.Command) error {
	var errs []error
	if r.manager != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		errs = append(errs, r.manager.Shutdown(shutdownCtx))
		r.manager = nil
	}
	if r.store != nil && r.ownsStore {
		errs = append(errs, r.store.Close())
		r.store = nil
	}
	return errors.Join(errs...)
}

// sessionID resolves the --session flag against the configured default.
func (r *Runner) sessionID(cmd *cli.Command) string {
	id := cmd.String("session")
	if r.manager != nil {
		return r.manager.ResolveID(id)
	}
	if id == "" {
		return r.config.Sessions.DefaultID
	}
	return id
}

// requireSession returns the session id or an error telling the user how to get one.
func (r *Runner) requireSession(cmd *cli.Command) (string, error) {
	id := r.sessionID(cmd)
	if id == "" {
		return "", fmt.Errorf("%w: pass --session or set %s", shared.ErrMissingArgument, shared.EnvSessionID)
	}
	return id, nil
}

func (r *Runner) format(cmd *cli.Command) (formatter.Format, error) {
	return formatter.ParseFormat(cmd.String("format"))
}

// emit renders data with fn in the requested format and writes it.
func (r *Runner) emit(cmd *cli.Command, fn func(formatter.Format) ([]byte, error)) error {
	f, err := r.format(cmd)
	if err != nil {
		return err
	}
	data, err := fn(f)
	if err != nil {
		return err
	}
	if _, err := r.output.Write(data); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if f == formatter.JSON {
		return r.writePlain("\n")
	}
	return nil
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// unconfiguredProvider stands in for [services.TidalAuth] when no client id is configured,
// so commands that only read stored sessions keep working.
type unconfiguredProvider struct {
	err error
}

func (p unconfiguredProvider) DeviceAuth(context.Context) (*models.DeviceGrant, error) {
	return nil, fmt.Errorf("%w: %w", shared.ErrDeviceFlow, p.err)
}

func (p unconfiguredProvider) WaitForToken(context.Context, models.DeviceGrant) (*oauth2.Token, error) {
	return nil, fmt.Errorf("%w: %w", shared.ErrUpstreamProtocol, p.err)
}

func (p unconfiguredProvider) Refresh(context.Context, *oauth2.Token) (*oauth2.Token, error) {
	return nil, fmt.Errorf("%w: %w", shared.ErrRefreshFailed, p.err)
}

func (p unconfiguredProvider) Identify(context.Context, *oauth2.Token) (*models.Identity, error) {
	return nil, p.err
}

// logToFile moves log output into the storage directory while a TUI owns the terminal.
// The returned func restores output to stderr.
func (r *Runner) logToFile() func() {
	path := filepath.Join(r.config.StorageDir(), tuiLogFile)
	restore, err := shared.LogToFile(r.logger, path, os.Stderr)
	if err != nil {
		r.logger.Warn("logging to terminal", "error", err)
		return func() {}
	}
	return restore
}
