// Package admin serves the operator HTTP API: health, metrics and scene
// management.
package admin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/ecs"
	"github.com/roach88/scenesync/internal/engine"
	"github.com/roach88/scenesync/internal/metrics"
	"github.com/roach88/scenesync/internal/service"
)

// Service is the part of *service.Service the admin API drives.
type Service interface {
	Scenes(ctx context.Context) ([]service.SceneInfo, error)
	LoadScene(ctx context.Context, sceneID string) (bool, error)
	UnloadScene(ctx context.Context, sceneID string) (bool, error)
	Snapshot(ctx context.Context, sceneID string) ([]crdt.Record, error)
	Author(ctx context.Context, sceneID string, primary, secondary uint32, payload []byte) (crdt.Record, error)
}

// RecordJSON is the HTTP form of a record. An empty payload is a deletion.
type RecordJSON struct {
	Entity     uint32 `json:"entity"`
	Component  uint32 `json:"component"`
	Timestamp  uint32 `json:"timestamp,omitempty"`
	PayloadB64 string `json:"payload_b64,omitempty"`
}

func toJSON(r crdt.Record) RecordJSON {
	out := RecordJSON{Entity: r.PrimaryKey, Component: r.SecondaryKey, Timestamp: r.Timestamp}
	if len(r.Payload) > 0 {
		out.PayloadB64 = base64.StdEncoding.EncodeToString(r.Payload)
	}
	return out
}

// NewRouter builds the admin routes.
func NewRouter(svc Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/scenes", func(r chi.Router) {
		r.Get("/", h.listScenes)
		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", h.loadScene)
			r.Delete("/", h.unloadScene)
			r.Get("/records", h.snapshot)
			r.Post("/records", h.author)
		})
	})
	return r
}

type handlers struct {
	svc    Service
	logger *slog.Logger
}

func (h *handlers) listScenes(w http.ResponseWriter, r *http.Request) {
	infos, err := h.svc.Scenes(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if infos == nil {
		infos = []service.SceneInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *handlers) loadScene(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	created, err := h.svc.LoadScene(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"scene": ecs.NormalizeID(id), "created": created})
}

func (h *handlers) unloadScene(w http.ResponseWriter, r *http.Request) {
	ok, err := h.svc.UnloadScene(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "scene not loaded")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) snapshot(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]RecordJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, toJSON(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) author(w http.ResponseWriter, r *http.Request) {
	var body RecordJSON
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid record: "+err.Error())
		return
	}
	var payload []byte
	if body.PayloadB64 != "" {
		var err error
		if payload, err = base64.StdEncoding.DecodeString(body.PayloadB64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload_b64: "+err.Error())
			return
		}
	}

	rec, err := h.svc.Author(r.Context(), chi.URLParam(r, "id"), body.Entity, body.Component, payload)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJSON(rec))
}

func (h *handlers) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownScene):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ecs.ErrEmptySceneID), errors.Is(err, crdt.ErrTimestampExhausted):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrStopped), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("admin request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
