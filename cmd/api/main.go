package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/pflag"

	"github.com/Encore7/codebase-explainer-agent/internal/agent"
	"github.com/Encore7/codebase-explainer-agent/internal/ai"
	"github.com/Encore7/codebase-explainer-agent/internal/auth"
	"github.com/Encore7/codebase-explainer-agent/internal/chunker"
	"github.com/Encore7/codebase-explainer-agent/internal/config"
	"github.com/Encore7/codebase-explainer-agent/internal/ingest"
	"github.com/Encore7/codebase-explainer-agent/internal/retry"
	"github.com/Encore7/codebase-explainer-agent/internal/store"
	"github.com/Encore7/codebase-explainer-agent/internal/vector"
	"github.com/Encore7/codebase-explainer-agent/pkg/models"
)

type ingestRequest struct {
	RepoURL string `json:"repo_url"`
}

type ingestResponse struct {
	RepoID string `json:"repo_id"`
	Status string `json:"status"`
}

type statusResponse struct {
	RepoID           string `json:"repo_id"`
	Status           string `json:"status"`
	ProcessedCommits int    `json:"processed_commits"`
	TotalCommits     *int   `json:"total_commits"`
	Error            string `json:"error,omitempty"`
}

func statusOf(st models.IngestionState) statusResponse {
	return statusResponse{
		RepoID:           st.RepoID,
		Status:           string(st.Status),
		ProcessedCommits: st.ProcessedCommits,
		TotalCommits:     st.TotalCommits,
		Error:            st.Error,
	}
}

type question struct {
	Q string `json:"q"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	// Create flagset for configuration
	fs := pflag.NewFlagSet("codex-api", pflag.ExitOnError)

	// Load configuration
	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	// Set up logging
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	logger.Info().Str("provider", cfg.Provider).Str("vector_backend", cfg.VectorBackend).Bool("auth_enabled", cfg.Auth.Enabled).Msg("starting codex api")

	ctx := context.Background()

	client, err := ai.NewClient(ctx, clientConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to create AI client: %v", err)
	}
	logger.Info().Int("embedding_dim", client.Dim()).Str("embed_model", cfg.EmbedModel).Msg("AI client initialized")

	tasks, err := store.NewPostgres(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer tasks.Close()
	if err := tasks.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	index, err := openIndex(ctx, cfg, client.Dim())
	if err != nil {
		log.Fatalf("Failed to open vector index: %v", err)
	}

	registry := ingest.NewRegistry(tasks)
	pipeline := ingest.New(registry, index, client, chunker.New(cfg.ChunkMaxChars))
	pipeline.BatchSize = cfg.BatchSize
	pipeline.SkipThreshold = cfg.SkipThreshold
	pipeline.Retry = retryPolicy(cfg)

	ag := agent.New(registry, index, client)
	ag.TopK = cfg.TopK
	ag.MinScore = cfg.MinScore
	ag.Retry = retryPolicy(cfg)

	authSvc := auth.NewService(cfg.Auth)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	// Auth status endpoint (always available)
	mux.HandleFunc("/auth/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]bool{"enabled": authSvc.Enabled()}); err != nil {
			http.Error(w, "Failed to encode response", 500)
		}
	})

	if authSvc.Enabled() {
		logger.Info().Msg("authentication is enabled")
		registerAuthEndpoints(mux, authSvc)
	} else {
		logger.Info().Msg("authentication is disabled - running in open mode")
	}

	mux.HandleFunc("/ingest", authSvc.Middleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		st, started, err := pipeline.Start(r.Context(), req.RepoURL)
		if errors.Is(err, ingest.ErrInvalidRepo) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		if started {
			// Runs are not cancellable; detach from the request context.
			go func() {
				if err := pipeline.Run(context.Background(), st.RepoID, st.RepoURL); err != nil {
					logger.Error().Err(err).Str("repo_id", st.RepoID).Msg("ingestion run failed")
				}
			}()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(ingestResponse{RepoID: st.RepoID, Status: string(st.Status)}); err != nil {
			logger.Error().Err(err).Msg("failed to encode ingest response")
		}

		hlog.FromRequest(r).Info().Str("repo_id", st.RepoID).Bool("started", started).Msg("ingest submitted")
	}))

	mux.HandleFunc("/repos/", authSvc.Middleware(func(w http.ResponseWriter, r *http.Request) {
		// GET /repos/{repo_id}/status
		rel := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/repos/"), "/")
		repoID, ok := strings.CutSuffix(rel, "/status")
		if !ok || repoID == "" || strings.Contains(repoID, "/") {
			http.NotFound(w, r)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		st, err := registry.Get(ctx, repoID)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown repository", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statusOf(st)); err != nil {
			http.Error(w, "Failed to encode status", 500)
		}
	}))

	mux.HandleFunc("/repositories", authSvc.Middleware(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		states, err := tasks.List(ctx)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}

		out := make([]statusResponse, 0, len(states))
		for _, st := range states {
			out = append(out, statusOf(st))
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, "Failed to encode repositories", 500)
		}
	}))

	mux.HandleFunc("/chat/", authSvc.Middleware(func(w http.ResponseWriter, r *http.Request) {
		repoID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/chat/"), "/")
		if repoID == "" || strings.Contains(repoID, "/") {
			http.NotFound(w, r)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer func() {
			if err := conn.Close(); err != nil {
				logger.Debug().Err(err).Msg("websocket close")
			}
		}()

		serveChat(logger, conn, ag, repoID)
	}))

	handler := hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(mux),
	)

	address := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{Addr: address, Handler: handler}
	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	log.Fatal(s.ListenAndServe())
}

// serveChat answers questions over one connection until the client leaves.
// Each question is streamed frame by frame; a write failure aborts the
// in-flight session.
func serveChat(logger zerolog.Logger, conn *websocket.Conn, ag *agent.Agent, repoID string) {
	for {
		var q question
		if err := conn.ReadJSON(&q); err != nil {
			return
		}
		q.Q = strings.TrimSpace(q.Q)
		if q.Q == "" {
			continue
		}

		sess, err := ag.Answer(context.Background(), repoID, q.Q)
		if errors.Is(err, agent.ErrRepoNotReady) {
			_ = conn.WriteJSON(map[string]string{"error": err.Error()})
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "repository not ready"))
			return
		}
		if err != nil {
			_ = conn.WriteJSON(map[string]string{"error": err.Error()})
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "answer failed"))
			return
		}

		for frame := range sess.Frames() {
			if err := conn.WriteJSON(frame); err != nil {
				sess.Close()
				for range sess.Frames() {
					// drain so the producer can exit
				}
				return
			}
		}
		if err := sess.Err(); err != nil {
			logger.Warn().Err(err).Str("repo_id", repoID).Msg("answer stream aborted")
			_ = conn.WriteJSON(map[string]string{"error": err.Error()})
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "stream aborted"))
			return
		}
	}
}

func registerAuthEndpoints(mux *http.ServeMux, authSvc *auth.Service) {
	mux.HandleFunc("/auth/github", func(w http.ResponseWriter, r *http.Request) {
		state := authSvc.GenerateState()

		// Store state in cookie for validation
		http.SetCookie(w, &http.Cookie{
			Name:     "oauth_state",
			Value:    state,
			Path:     "/",
			MaxAge:   600, // 10 minutes
			HttpOnly: true,
			Secure:   strings.HasPrefix(r.Header.Get("X-Forwarded-Proto"), "https"),
			SameSite: http.SameSiteLaxMode,
		})

		http.Redirect(w, r, authSvc.LoginURL(state), http.StatusTemporaryRedirect)
	})

	mux.HandleFunc("/auth/callback", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		state := r.URL.Query().Get("state")

		stateCookie, err := r.Cookie("oauth_state")
		if err != nil || stateCookie.Value != state {
			http.Error(w, "Invalid state parameter", http.StatusBadRequest)
			return
		}

		http.SetCookie(w, &http.Cookie{Name: "oauth_state", Value: "", Path: "/", MaxAge: -1})

		if code == "" {
			http.Error(w, "Missing code parameter", http.StatusBadRequest)
			return
		}

		accessToken, err := authSvc.ExchangeCode(r.Context(), code)
		if err != nil {
			http.Error(w, "Failed to exchange code for token", http.StatusInternalServerError)
			return
		}

		user, err := authSvc.FetchUser(r.Context(), accessToken)
		if err != nil {
			http.Error(w, "Failed to get user info: "+err.Error(), http.StatusInternalServerError)
			return
		}

		token, err := authSvc.GenerateToken(user)
		if err != nil {
			http.Error(w, "Failed to generate token", http.StatusInternalServerError)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     "auth_token",
			Value:    token,
			Path:     "/",
			MaxAge:   86400, // 24 hours
			HttpOnly: true,
			Secure:   strings.HasPrefix(r.Header.Get("X-Forwarded-Proto"), "https"),
			SameSite: http.SameSiteLaxMode,
		})

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"user": user, "token": token}); err != nil {
			http.Error(w, "Failed to encode response", 500)
		}
	})

	mux.HandleFunc("/auth/me", authSvc.Middleware(func(w http.ResponseWriter, r *http.Request) {
		user := auth.UserFromContext(r)
		if user == nil {
			http.Error(w, "No authentication token", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"user": user}); err != nil {
			http.Error(w, "Failed to encode response", 500)
		}
	}))

	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "auth_token", Value: "", Path: "/", MaxAge: -1})
		w.WriteHeader(http.StatusOK)
	})
}

func clientConfig(cfg config.Specification) *ai.ClientConfig {
	c := &ai.ClientConfig{
		APIKey:       cfg.APIKey,
		EmbedModel:   cfg.EmbedModel,
		SummaryModel: cfg.SummaryModel,
		GenModel:     cfg.GenModel,
		Dim:          cfg.Dim,
		ProjectID:    cfg.ProjectID,
		Location:     cfg.Location,
		BaseURL:      cfg.BaseURL,
	}
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		c.Provider = ai.ProviderOpenAI
	case "vertexai", "google":
		c.Provider = ai.ProviderVertexAI
	case "ollama":
		c.Provider = ai.ProviderOllama
	case "stub":
		c.Provider = ai.ProviderStub
	default:
		log.Fatalf("unsupported provider: %s", cfg.Provider)
	}
	return c
}

func openIndex(ctx context.Context, cfg config.Specification, dim int) (vector.Index, error) {
	switch cfg.VectorBackend {
	case "pgvector":
		idx, err := vector.NewPostgres(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := idx.Migrate(ctx, dim); err != nil {
			return nil, err
		}
		return idx, nil
	case "qdrant":
		return vector.NewQdrant(ctx, cfg.QdrantAddr, cfg.QdrantCollection, dim)
	case "memory":
		return vector.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
}

func retryPolicy(cfg config.Specification) retry.Policy {
	p := retry.Default()
	if cfg.RetryAttempts > 0 {
		p.MaxAttempts = cfg.RetryAttempts
	}
	return p
}
