package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/slashprofile/internal/api"
	"github.com/kalambet/slashprofile/internal/config"
	"github.com/kalambet/slashprofile/internal/drive"
	"github.com/kalambet/slashprofile/internal/profile"
	"github.com/kalambet/slashprofile/internal/relay"
	"github.com/kalambet/slashprofile/internal/slashtags"
	"github.com/kalambet/slashprofile/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the profile API, relay and MCP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(cmd.Context(), cmd.Flags().Changed("mcp-stdio"), mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and drive status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp-stdio", false, "also serve MCP over stdin/stdout (overrides server.mcp_stdio)")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "slashprofile.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// openDrive opens the drive named by cfg.Drive.Key on the configured
// backend. store is nil unless the backend is sqlite.
func openDrive(ctx context.Context, cfg config.Config) (drive.Drive, *storage.Store, error) {
	switch cfg.Drive.Backend {
	case config.BackendSQLite:
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening storage: %w", err)
		}
		d, err := drive.NewLocal(ctx, store, cfg.Drive.Key, cfg.Drive.PollInterval)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("opening drive: %w", err)
		}
		return d, store, nil
	case config.BackendDir:
		d, err := drive.NewDir(dirDriveRoot(cfg), cfg.Drive.Key)
		if err != nil {
			return nil, nil, fmt.Errorf("opening drive: %w", err)
		}
		return d, nil, nil
	case config.BackendRelay:
		d, err := drive.NewRemote(cfg.Relay.URL, cfg.Drive.Key, cfg.Relay.Token)
		if err != nil {
			return nil, nil, fmt.Errorf("opening drive: %w", err)
		}
		return d, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown drive backend %q", cfg.Drive.Backend)
}

// openWatchDrive opens a drive suitable for watching from a second process.
// The sqlite backend is watched through the running server's relay.
func openWatchDrive(ctx context.Context, cfg config.Config) (drive.Drive, error) {
	switch cfg.Drive.Backend {
	case config.BackendSQLite:
		d, err := drive.NewRemote(localBaseURL(cfg)+"/relay", cfg.Drive.Key, "")
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		d, _, err := openDrive(ctx, cfg)
		return d, err
	}
}

func dirDriveRoot(cfg config.Config) string {
	return filepath.Join(cfg.Storage.DataDir, "drives")
}

// buildHandler composes the API and, when a store is available, the relay
// under /relay.
func buildHandler(app http.Handler, rs *relay.Server) http.Handler {
	r := chi.NewRouter()
	if rs != nil {
		r.Mount("/relay", rs.Handler())
	}
	r.Mount("/", app)
	return r
}

func runServer(ctx context.Context, mcpFlagSet, mcpFlag bool) error {
	fmt.Fprintf(os.Stderr, "slashprofile version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if mcpFlagSet {
		cfg.Server.MCPStdio = mcpFlag
	}

	setupLogging(cfg.Log.Level)

	apiToken := cfg.Server.Token
	if apiToken == "" {
		apiToken, err = config.GetAPIToken(config.NewKeychain())
		if err != nil {
			return fmt.Errorf("initializing API token: %w", err)
		}
	}
	slog.Info("API bearer token available")

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(localBaseURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("slashprofile is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("slashprofile is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, store, err := openDrive(ctx, cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				slog.Warn("closing storage", "error", err)
			}
		}()
	}

	client := slashtags.New(d, nil)
	defer client.Close()
	slog.Info("drive opened", "url", client.URL(), "backend", cfg.Drive.Backend)

	var relaySrv *relay.Server
	if store != nil {
		relaySrv = relay.NewServer(store, apiToken, cfg.Drive.PollInterval)
		defer relaySrv.Close()
	}

	appHandler := api.NewAppHandler(api.AppDeps{
		Profile: client,
		Token:   apiToken,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:    addr,
		Handler: buildHandler(appHandler, relaySrv),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	unsubscribe, err := client.Subscribe(ctx, "", logProfileChange)
	if err != nil {
		return fmt.Errorf("watching own profile: %w", err)
	}
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("listening", "addr", addr, "relay", relaySrv != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if relaySrv != nil {
			relaySrv.Close()
		}
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Server.MCPStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Profile: client,
			Version: version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			slog.Info("MCP server started (stdio transport)")
			err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func logProfileChange(cur, prev *profile.Profile) {
	switch {
	case cur == nil:
		slog.Info("profile deleted")
	case prev == nil:
		slog.Info("profile created", "name", cur.Name, "links", len(cur.Links))
	default:
		slog.Info("profile updated", "name", cur.Name, "links", len(cur.Links))
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("slashprofile is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop slashprofile (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to slashprofile (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	base := localBaseURL(cfg)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running at %s", base)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Drive", "%s", drive.FormatURL(cfg.Drive.Key, ""))
	printStatus("Backend", "%s", backendLabel(cfg))

	if running {
		c, err := newAPIClient()
		if err == nil {
			if resp, err := c.get(ctx, "/profile"); err == nil {
				var p profile.Profile
				switch err := decodeJSON(resp, &p); {
				case err == nil:
					printStatus("Profile", "%s", profileLabel(p))
				case strings.Contains(err.Error(), "404"):
					printStatus("Profile", "none")
				default:
					printStatus("Profile", "error: %v", err)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func backendLabel(cfg config.Config) string {
	switch cfg.Drive.Backend {
	case config.BackendDir:
		return fmt.Sprintf("dir (%s)", dirDriveRoot(cfg))
	case config.BackendRelay:
		return fmt.Sprintf("relay (%s)", cfg.Relay.URL)
	default:
		return cfg.Drive.Backend
	}
}

func profileLabel(p profile.Profile) string {
	name := p.Name
	if name == "" {
		name = "(no name)"
	}
	switch len(p.Links) {
	case 0:
		return name
	case 1:
		return name + ", 1 link"
	default:
		return fmt.Sprintf("%s, %d links", name, len(p.Links))
	}
}
