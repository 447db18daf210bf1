// Package main runs snipd, the snippet-capture daemon: it hosts the bus,
// the session coordinator, and the page agents, and exposes an admin API,
// a websocket bridge for a real extension, and optional MCP tools.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/snippetify/snipd/api"
	"github.com/snippetify/snipd/bus"
	"github.com/snippetify/snipd/cookiewatch"
	"github.com/snippetify/snipd/dbopen"
	"github.com/snippetify/snipd/hostrod"
	"github.com/snippetify/snipd/hostsim"
	"github.com/snippetify/snipd/hostws"
	"github.com/snippetify/snipd/kvstore"
	"github.com/snippetify/snipd/pageagent"
	"github.com/snippetify/snipd/session"
)

type config struct {
	Listen         string `yaml:"listen"`
	Database       string `yaml:"database"`
	APIBaseURL     string `yaml:"api_base_url"`
	Domain         string `yaml:"domain"`
	CookieName     string `yaml:"cookie_name"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	AdminTokenHash string `yaml:"admin_token_hash"`
	MCPTransport   string `yaml:"mcp_transport"`
	LogLevel       string `yaml:"log_level"`

	Browser browserConfig `yaml:"browser"`
}

type browserConfig struct {
	Enabled    bool     `yaml:"enabled"`
	RemoteURL  string   `yaml:"remote_url"`
	OverlayURL string   `yaml:"overlay_url"`
	Pages      []string `yaml:"pages"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{
		Listen:         ":" + env("PORT", "8090"),
		Database:       env("SNIPD_DB", "db/snipd.db"),
		APIBaseURL:     env("SNIPD_API_URL", api.DefaultBaseURL),
		Domain:         session.DefaultDomain,
		CookieName:     session.DefaultCookieName,
		PollIntervalMS: 250,
		LogLevel:       env("LOG_LEVEL", "info"),
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if h := os.Getenv("SNIPD_ADMIN_TOKEN_HASH"); h != "" {
		cfg.AdminTokenHash = h
	}
	return cfg, nil
}

func main() {
	// .env is optional; real env always wins.
	_ = godotenv.Load()

	cfg, err := loadConfig(os.Getenv("SNIPD_CONFIG"))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.Database,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(kvstore.Schema),
		dbopen.WithSchema(cookiewatch.Schema),
	)
	if err != nil {
		slog.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	host := hostsim.New(db, hostsim.WithLogger(logger))

	coord := session.NewCoordinator(host.Cookies, api.New(cfg.APIBaseURL), host.KV, host.Bus,
		session.WithDomain(cfg.Domain),
		session.WithCookieName(cfg.CookieName),
		session.WithBadge(host.Badge),
		session.WithLogger(logger),
	)
	if err := coord.Start(ctx); err != nil {
		slog.Error("session start", "error", err)
		os.Exit(1)
	}

	watcher := cookiewatch.NewWatcher(db,
		cookiewatch.WithInterval(time.Duration(cfg.PollIntervalMS)*time.Millisecond),
		cookiewatch.WithLogger(logger),
	)
	go coord.Run(ctx, watcher.Run(ctx))

	// Live browser pages, when configured.
	if cfg.Browser.Enabled {
		opts := []hostrod.Option{hostrod.WithLogger(logger)}
		if cfg.Browser.OverlayURL != "" {
			opts = append(opts, hostrod.WithOverlayURL(cfg.Browser.OverlayURL))
		}
		br, err := hostrod.Connect(cfg.Browser.RemoteURL, opts...)
		if err != nil {
			slog.Error("browser connect", "error", err)
			os.Exit(1)
		}
		defer br.Close()

		for i, pageURL := range cfg.Browser.Pages {
			tab := bus.TabID(i + 1)
			live, err := br.OpenPage(ctx, pageURL)
			if err != nil {
				slog.Error("open page", "url", pageURL, "error", err)
				continue
			}
			agent, err := host.Pages.Open(ctx, tab, live, live)
			if err != nil {
				slog.Error("attach agent", "url", pageURL, "error", err)
				live.Close()
				continue
			}
			host.Bus.SetActiveTab(tab)
			coord.TrackTab(ctx, tab)
			go live.ActionClicks(ctx, func(uid int) {
				if err := agent.ActivateBlock(ctx, uid); err != nil {
					slog.Warn("action click", "tab", int(tab), "uid", uid, "error", err)
				}
			})
		}
	}

	// Optional MCP over stdio.
	if cfg.MCPTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "snipd", Version: "1.0.0"}, nil)
		coord.RegisterMCP(mcpSrv)
		pageagent.RegisterMCP(mcpSrv, host.Bus, host.Bus)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("mcp", "error", err)
			}
		}()
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		user, loggedIn := coord.User()
		badges := make(map[string]int)
		for tab, n := range coord.BadgeCounts() {
			badges[strconv.Itoa(int(tab))] = n
		}
		tabs := make([]int, 0)
		for _, tab := range host.Pages.Tabs() {
			tabs = append(tabs, int(tab))
		}
		writeJSON(w, 200, map[string]any{
			"logged_in": loggedIn,
			"user":      user,
			"badges":    badges,
			"tabs":      tabs,
		})
	})

	// The extension bridge.
	r.Handle("/ws", hostws.New(host.Bus, hostws.WithLogger(logger)))

	// Admin surface, guarded by the bearer token.
	r.Group(func(r chi.Router) {
		r.Use(requireAdmin(cfg.AdminTokenHash))

		r.Post("/review", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Tab  int    `json:"tab"`
				Text string `json:"text"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if strings.TrimSpace(req.Text) == "" {
				writeError(w, 400, errors.New("text is required"))
				return
			}
			if err := coord.ReviewSelection(r.Context(), bus.TabID(req.Tab), req.Text); err != nil {
				writeError(w, 502, err)
				return
			}
			writeJSON(w, 202, map[string]string{"status": "sent"})
		})

		r.Post("/tabs/{tab}/track", func(w http.ResponseWriter, r *http.Request) {
			tab, err := strconv.Atoi(chi.URLParam(r, "tab"))
			if err != nil {
				writeError(w, 400, err)
				return
			}
			coord.TrackTab(r.Context(), bus.TabID(tab))
			writeJSON(w, 200, map[string]string{"status": "tracked"})
		})
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// requireAdmin compares the bearer token against the configured bcrypt
// hash. No hash configured means the admin surface is disabled outright.
func requireAdmin(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				writeError(w, 403, errors.New("admin surface disabled"))
				return
			}
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
				writeError(w, 401, errors.New("invalid token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
