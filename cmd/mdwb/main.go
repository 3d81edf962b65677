// CLAUDE:SUMMARY Entry point for the mdwb capture service — chi router, shield stack, SSE event streaming, optional MCP stdio.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/mdwb/capture"
	"github.com/hazyhaar/mdwb/dbopen"
	"github.com/hazyhaar/mdwb/embed"
	"github.com/hazyhaar/mdwb/eventlog"
	"github.com/hazyhaar/mdwb/idgen"
	"github.com/hazyhaar/mdwb/jobs"
	"github.com/hazyhaar/mdwb/metrics"
	"github.com/hazyhaar/mdwb/ocr"
	"github.com/hazyhaar/mdwb/shield"
	"github.com/hazyhaar/mdwb/store"
	"github.com/hazyhaar/mdwb/vecindex"
)

// fileConfig is the optional YAML overlay (MDWB_CONFIG). Environment
// variables win over file values; both fall back to built-in defaults.
type fileConfig struct {
	Port       string `yaml:"port"`
	DataDir    string `yaml:"data_dir"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`
	Driver     string `yaml:"driver"`      // rod | fake
	BrowserWS  string `yaml:"browser_ws"`  // remote Chrome websocket URL
	OCREndpont string `yaml:"ocr_endpoint"`
	OCRModel   string `yaml:"ocr_model"`
	OCRAPIKey  string `yaml:"ocr_api_key"`
	EmbedURL   string `yaml:"embed_endpoint"`
	EmbedModel string `yaml:"embed_model"`
	RequireKey bool   `yaml:"require_api_key"`
}

func loadFileConfig() fileConfig {
	var fc fileConfig
	path := os.Getenv("MDWB_CONFIG")
	if path == "" {
		return fc
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("config file", "path", path, "error", err)
		os.Exit(1)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		slog.Error("config parse", "path", path, "error", err)
		os.Exit(1)
	}
	return fc
}

func main() {
	fc := loadFileConfig()

	port := env("PORT", or(fc.Port, "8086"))
	dataDir := env("DATA_DIR", or(fc.DataDir, "data"))
	dbPath := env("MDWB_DB", or(fc.DBPath, "db/mdwb.db"))
	logLevel := env("LOG_LEVEL", or(fc.LogLevel, "info"))
	driverName := env("DRIVER", or(fc.Driver, "rod"))
	browserWS := env("BROWSER_WS", fc.BrowserWS)
	ocrEndpoint := env("OCR_ENDPOINT", fc.OCREndpont)
	ocrModel := env("OCR_MODEL", or(fc.OCRModel, "ocr-default"))
	ocrAPIKey := env("OCR_API_KEY", fc.OCRAPIKey)
	embedEndpoint := env("EMBED_ENDPOINT", fc.EmbedURL)
	embedModel := env("EMBED_MODEL", fc.EmbedModel)
	mcpTransport := env("MCP_TRANSPORT", "")
	requireKey := fc.RequireKey
	if v := os.Getenv("MDWB_REQUIRE_API_KEY"); v != "" {
		requireKey = v == "true" || v == "1"
	}

	// Logging. MCP stdio owns stdout, so logs move to stderr there.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logOut := io.Writer(os.Stdout)
	if mcpTransport == "stdio" {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st, err := store.New(db, filepath.Join(dataDir, "runs"), logger)
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	events, err := eventlog.New(db)
	if err != nil {
		slog.Error("eventlog", "error", err)
		os.Exit(1)
	}
	journal, err := eventlog.OpenJournal(filepath.Join(dataDir, "warnings.jsonl"))
	if err != nil {
		slog.Error("journal", "error", err)
		os.Exit(1)
	}
	defer journal.Close()

	embedder := embed.New(embed.Config{Endpoint: embedEndpoint, Model: embedModel, Logger: logger})
	vecs, err := vecindex.New(db, embedder, logger)
	if err != nil {
		slog.Error("vecindex", "error", err)
		os.Exit(1)
	}

	// Browser driver. The fake driver renders deterministic pages in
	// process, for demos and environments without Chrome.
	var driver capture.Driver
	switch driverName {
	case "fake":
		driver = &capture.FakeDriver{PageHeight: 4200, DOMHTML: demoHTML}
		slog.Info("using in-process fake browser")
	default:
		rd := capture.NewRodDriver(capture.RodConfig{RemoteURL: browserWS, Logger: logger})
		if err := rd.Start(ctx); err != nil {
			slog.Error("browser start", "error", err)
			os.Exit(1)
		}
		defer rd.Close()
		driver = rd
	}

	// OCR client. No endpoint means fallback-only operation: every tile is
	// filled from the DOM conversion.
	var client ocr.Client
	if ocrEndpoint != "" {
		client = ocr.NewHTTPClient(ocr.ClientConfig{Endpoint: ocrEndpoint, Model: ocrModel, APIKey: ocrAPIKey})
	} else {
		slog.Warn("no OCR endpoint configured; running fallback-only")
	}
	dispatcher := ocr.NewDispatcher(client, ocr.Config{Logger: logger})

	notifier := jobs.NewNotifier(st, logger)
	manager := jobs.New(driver, dispatcher, st, events, journal, vecs, notifier, jobs.Config{
		OCRModel: ocrModel,
		Logger:   logger,
	})

	if mcpTransport == "stdio" {
		srv := mcp.NewServer(&mcp.Implementation{Name: "mdwb", Version: "1.0.0"}, nil)
		jobs.RegisterMCP(srv, manager, vecs)
		slog.Info("MCP stdio serving")
		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			slog.Error("mcp", "error", err)
			os.Exit(1)
		}
		manager.Wait()
		return
	}

	metrics.Init()

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	for _, mw := range shield.DefaultAPIStack(shield.RateLimitConfig{Exclude: []string{"/healthz", "/metrics"}}) {
		r.Use(mw)
	}
	if requireKey {
		r.Use(shield.RequireAPIKey(func(ctx context.Context, key string) error {
			_, err := st.VerifyAPIKey(ctx, key)
			return err
		}, "/healthz", "/metrics"))
		slog.Info("API key authentication enforced")
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Method("GET", "/metrics", metrics.Handler())

	// Key management. With enforcement on, creating the first key needs
	// either an existing key or a restart with enforcement off.
	r.Route("/keys", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Name string `json:"name"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if req.Name == "" {
				writeJSON(w, 400, map[string]string{"error": "name is required"})
				return
			}
			// The response is the only place the plaintext key appears.
			k, err := st.CreateAPIKey(r.Context(), idgen.New(), req.Name)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 201, k)
		})
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			list, err := st.ListAPIKeys(r.Context())
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if list == nil {
				list = []*store.APIKey{}
			}
			writeJSON(w, 200, list)
		})
		r.Delete("/{keyID}", func(w http.ResponseWriter, r *http.Request) {
			if err := st.RevokeAPIKey(r.Context(), chi.URLParam(r, "keyID")); err != nil {
				writeMapped(w, r, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "revoked"})
		})
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", handleSubmit(manager))
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, manager.List())
		})
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				snap, err := manager.Get(chi.URLParam(r, "id"))
				if err != nil {
					writeMapped(w, r, err)
					return
				}
				writeJSON(w, 200, snap)
			})
			r.Post("/cancel", func(w http.ResponseWriter, r *http.Request) {
				if err := manager.Cancel(chi.URLParam(r, "id")); err != nil {
					writeMapped(w, r, err)
					return
				}
				writeJSON(w, 202, map[string]string{"status": "cancelling"})
			})
			r.Post("/replay", handleReplay(manager))
			r.Post("/embeddings/search", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Vector []float32 `json:"vector"`
					Query  string    `json:"query"`
					TopK   int       `json:"top_k"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeError(w, 400, err)
					return
				}
				vec := req.Vector
				if len(vec) == 0 {
					if req.Query == "" {
						writeJSON(w, 400, map[string]string{"error": "vector or query is required"})
						return
					}
					var err error
					vec, err = embedder.Embed(r.Context(), req.Query)
					if err != nil {
						writeError(w, 500, err)
						return
					}
				}
				hits, total, err := vecs.SearchVector(r.Context(), chi.URLParam(r, "id"), vec, req.TopK)
				if err != nil {
					writeError(w, 500, err)
					return
				}
				if hits == nil {
					hits = []vecindex.Hit{}
				}
				writeJSON(w, 200, map[string]any{"matches": hits, "total_sections": total})
			})
			r.Route("/webhooks", func(r chi.Router) {
				r.Post("/", handleCreateWebhook(st, "id"))
				r.Get("/", handleListWebhooks(st, "id"))
				r.Delete("/{hookID}", handleDeleteWebhook(st))
			})
			r.Get("/events", handleEvents(manager))
			r.Get("/stream", handleStream(manager))
			r.Get("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
				rec, err := manager.Record(r.Context(), chi.URLParam(r, "id"))
				if err != nil {
					writeMapped(w, r, err)
					return
				}
				writeJSON(w, 200, rec.Manifest)
			})
			r.Get("/out.md", handleArtifact(manager, store.ArtifactMarkdown, "text/markdown; charset=utf-8"))
			r.Get("/links.json", handleArtifact(manager, store.ArtifactLinks, "application/json"))
			r.Get("/dom_snapshot.html", handleArtifact(manager, store.ArtifactDOM, "text/html; charset=utf-8"))
			r.Get("/bundle.tar.gz", func(w http.ResponseWriter, r *http.Request) {
				id := chi.URLParam(r, "id")
				rec, err := manager.Record(r.Context(), id)
				if err != nil {
					writeMapped(w, r, err)
					return
				}
				w.Header().Set("Content-Type", "application/gzip")
				w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.tar.gz", rec.JobID))
				if err := manager.Store().BuildBundle(w, rec); err != nil {
					shield.GetLogger(r.Context()).Warn("bundle stream failed", "job", id, "error", err)
				}
			})
		})
	})

	// Replay by job id: re-stitch from stored artifacts without re-capturing.
	r.Post("/replay", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JobID      string `json:"job_id"`
			Provenance bool   `json:"provenance"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		if req.JobID == "" {
			writeJSON(w, 400, map[string]string{"error": "job_id is required"})
			return
		}
		doc, err := manager.Replay(r.Context(), req.JobID, jobs.ReplayOptions{Provenance: req.Provenance})
		if err != nil {
			writeMapped(w, r, err)
			return
		}
		writeJSON(w, 200, map[string]any{
			"markdown": doc.Markdown,
			"sections": len(doc.Sections),
			"stats":    doc.Stats,
		})
	})

	r.Post("/embeddings/search", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		hits, err := vecs.Search(r.Context(), req.Query, req.Limit)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, map[string]any{"hits": hits, "count": len(hits)})
	})

	// Global subscriptions. Job-scoped ones live under /jobs/{id}/webhooks.
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/", handleCreateWebhook(st, ""))
		r.Get("/", handleListWebhooks(st, ""))
		// Bulk delete by target URL: DELETE /webhooks?url=…
		r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
			target := r.URL.Query().Get("url")
			if target == "" {
				writeJSON(w, 400, map[string]string{"error": "url query parameter is required"})
				return
			}
			n, err := st.DeleteWebhooksByURL(r.Context(), target)
			if err != nil {
				writeMapped(w, r, err)
				return
			}
			writeJSON(w, 200, map[string]any{"status": "deleted", "count": n})
		})
		r.Get("/{hookID}", func(w http.ResponseWriter, r *http.Request) {
			wh, err := st.GetWebhook(r.Context(), chi.URLParam(r, "hookID"))
			if err != nil {
				writeMapped(w, r, err)
				return
			}
			wh.Secret = ""
			writeJSON(w, 200, wh)
		})
		r.Delete("/{hookID}", handleDeleteWebhook(st))
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("mdwb listening", "port", port, "driver", driverName)
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
	manager.Wait()
	slog.Info("server stopped")
}

// --- Handlers ---

func handleSubmit(m *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL        string         `json:"url"`
			Capture    capture.Config `json:"capture"`
			ProfileID  string         `json:"profile_id"`
			OCRPolicy  string         `json:"ocr_policy"`
			MaxAgeSecs int            `json:"max_age_seconds"`
			Force      bool           `json:"force"`
			Provenance bool           `json:"provenance"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		snap, err := m.Submit(r.Context(), jobs.Request{
			URL:        req.URL,
			Capture:    req.Capture,
			ProfileID:  req.ProfileID,
			OCRPolicy:  req.OCRPolicy,
			MaxAge:     time.Duration(req.MaxAgeSecs) * time.Second,
			Force:      req.Force,
			Provenance: req.Provenance,
		})
		if err != nil {
			writeMapped(w, r, err)
			return
		}
		writeJSON(w, 202, snap)
	}
}

func handleReplay(m *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Provenance bool `json:"provenance"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
		}
		doc, err := m.Replay(r.Context(), chi.URLParam(r, "id"), jobs.ReplayOptions{Provenance: req.Provenance})
		if err != nil {
			writeMapped(w, r, err)
			return
		}
		writeJSON(w, 200, map[string]any{
			"markdown": doc.Markdown,
			"sections": len(doc.Sections),
			"stats":    doc.Stats,
		})
	}
}

// handleEvents returns the persisted event history as NDJSON, resumable via
// ?since=<sequence>.
func handleEvents(m *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		since := int64(queryInt(r, "since", 0))
		events, err := m.Events().Since(r.Context(), id, since)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		for _, e := range events {
			enc.Encode(e)
		}
	}
}

// handleStream serves live job events over SSE until the client disconnects
// or the job stops emitting.
func handleStream(m *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSON(w, 500, map[string]string{"error": "streaming unsupported"})
			return
		}
		id := chi.URLParam(r, "id")
		since := int64(queryInt(r, "since", 0))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		for e := range m.Events().Tail(r.Context(), id, since, 250*time.Millisecond) {
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data)
			flusher.Flush()
		}
	}
}

// handleCreateWebhook registers a subscription; jobIDParam names the URL
// parameter carrying the job scope, empty for global subscriptions.
func handleCreateWebhook(st *store.Store, jobIDParam string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL    string   `json:"url"`
			Secret string   `json:"secret"`
			Events []string `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		if req.URL == "" || req.Secret == "" {
			writeJSON(w, 400, map[string]string{"error": "url and secret are required"})
			return
		}
		jobID := ""
		if jobIDParam != "" {
			jobID = chi.URLParam(r, jobIDParam)
		}
		wh, err := st.CreateWebhook(r.Context(), idgen.New(), jobID, req.URL, req.Secret, req.Events)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 201, wh)
	}
}

func handleListWebhooks(st *store.Store, jobIDParam string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := ""
		if jobIDParam != "" {
			jobID = chi.URLParam(r, jobIDParam)
		}
		list, err := st.ListWebhooks(r.Context(), jobID)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		for _, wh := range list {
			wh.Secret = ""
		}
		if list == nil {
			list = []*store.Webhook{}
		}
		writeJSON(w, 200, list)
	}
}

func handleDeleteWebhook(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.DeleteWebhook(r.Context(), chi.URLParam(r, "hookID")); err != nil {
			writeMapped(w, r, err)
			return
		}
		writeJSON(w, 200, map[string]string{"status": "deleted"})
	}
}

func handleArtifact(m *jobs.Manager, name, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := m.Record(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeMapped(w, r, err)
			return
		}
		f, err := m.Store().OpenArtifact(rec, name)
		if err != nil {
			writeMapped(w, r, err)
			return
		}
		defer f.Close()
		w.Header().Set("Content-Type", contentType)
		io.Copy(w, f)
	}
}

// writeMapped translates sentinel errors into status codes. Responses carry
// the request's trace id so a client report can be matched to server logs.
func writeMapped(w http.ResponseWriter, r *http.Request, err error) {
	code := 500
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, store.ErrNotFound), errors.Is(err, os.ErrNotExist):
		code = 404
	case errors.Is(err, jobs.ErrInvalidConfig):
		code = 400
	case errors.Is(err, jobs.ErrTerminal), errors.Is(err, store.ErrAlreadyPersisted):
		code = 409
	}
	if code == 500 {
		shield.GetLogger(r.Context()).Error("request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{
		"error":    err.Error(),
		"trace_id": shield.GetTraceID(r.Context()),
	})
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func or(v, def string) string {
	if v != "" {
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

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

const demoHTML = `<html><body>
<h1>Demo Page</h1>
<p>This instance runs without a browser; captures are rendered in process.</p>
<a href="/docs">Documentation</a>
</body></html>`
