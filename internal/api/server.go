package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketsim/internal/auth"
	"marketsim/internal/game"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type contextKey string

const userContextKey contextKey = "user"

type UserContext struct {
	UserID string
	Email  string
}

type Server struct {
	log      *slog.Logger
	auth     auth.Verifier
	game     *game.Service
	gatherer prometheus.Gatherer
	mux      *chi.Mux
}

// New wires the HTTP adapter. A nil gatherer disables /metrics.
func New(logger *slog.Logger, verifier auth.Verifier, gameSvc *game.Service, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:      logger,
		auth:     verifier,
		game:     gameSvc,
		gatherer: gatherer,
		mux:      chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/players/me", s.handleEnsurePlayer)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.handleCurrent)
			r.Post("/", s.handleCreate)
			r.Post("/update-time", s.handleObserve)
			r.Get("/preview", s.handlePreview)
			r.Post("/start", s.lifecycle(s.game.Start))
			r.Post("/pause", s.lifecycle(s.game.Pause))
			r.Post("/resume", s.lifecycle(s.game.Resume))
			r.Post("/reset", s.lifecycle(s.game.Reset))
			r.Get("/balance", s.handleBalance)
			r.Get("/sales", s.handleListSales)
			r.Post("/sales", s.handleRecordSale)
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.auth.VerifyAccessToken(r.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthorized) {
				s.log.Warn("token verification failed", "err", err, "request_id", middleware.GetReqID(r.Context()))
			}
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, UserContext{
			UserID: user.ID,
			Email:  user.Email,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) (UserContext, error) {
	v := ctx.Value(userContextKey)
	user, ok := v.(UserContext)
	if !ok || user.UserID == "" {
		return UserContext{}, errors.New("missing auth context")
	}
	return user, nil
}

func (s *Server) handleEnsurePlayer(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		DisplayName string `json:"display_name"`
	}
	if err := decodeOptionalJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.game.EnsurePlayer(r.Context(), game.Player{
		PlayerID:    user.UserID,
		Email:       user.Email,
		DisplayName: in.DisplayName,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	s.withPlayer(w, r, func(playerID string) (any, int, error) {
		out, err := s.game.Current(r.Context(), playerID)
		return out, http.StatusOK, err
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.withPlayer(w, r, func(playerID string) (any, int, error) {
		out, err := s.game.CreateFor(r.Context(), playerID)
		return out, http.StatusCreated, err
	})
}

// handleObserve is the polling endpoint; the snapshot carries days_elapsed.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	s.withPlayer(w, r, func(playerID string) (any, int, error) {
		out, err := s.game.Observe(r.Context(), playerID)
		return out, http.StatusOK, err
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	s.withPlayer(w, r, func(playerID string) (any, int, error) {
		out, err := s.game.Preview(r.Context(), playerID)
		return out, http.StatusOK, err
	})
}

func (s *Server) lifecycle(op func(ctx context.Context, playerID string) (game.Snapshot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.withPlayer(w, r, func(playerID string) (any, int, error) {
			out, err := op(r.Context(), playerID)
			return out, http.StatusOK, err
		})
	}
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	s.withPlayer(w, r, func(playerID string) (any, int, error) {
		out, err := s.game.Balance(r.Context(), playerID)
		return out, http.StatusOK, err
	})
}

func (s *Server) handleListSales(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	s.withPlayer(w, r, func(playerID string) (any, int, error) {
		sales, err := s.game.ListSales(r.Context(), playerID, limit)
		if err != nil {
			return nil, 0, err
		}
		views := make([]game.SaleView, 0, len(sales))
		for _, sale := range sales {
			views = append(views, sale.View())
		}
		return map[string]any{"results": views}, http.StatusOK, nil
	})
}

func (s *Server) handleRecordSale(w http.ResponseWriter, r *http.Request) {
	var in game.SaleInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.withPlayer(w, r, func(playerID string) (any, int, error) {
		sale, err := s.game.RecordSale(r.Context(), playerID, in)
		if err != nil {
			return nil, 0, err
		}
		return sale.View(), http.StatusCreated, nil
	})
}

func (s *Server) withPlayer(w http.ResponseWriter, r *http.Request, fn func(playerID string) (any, int, error)) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, status, err := fn(user.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, status, out)
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, game.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, game.ErrAlreadyExists), errors.Is(err, game.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, game.ErrInvariantViolation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, game.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, game.ErrConflict):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		s.log.Error("request failed", "path", r.URL.Path, "err", err, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func decodeOptionalJSON(r *http.Request, out any) error {
	if err := decodeJSON(r, out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
