package remote

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"passfiles/internal/pf"
)

// maxContentSize bounds uploaded content bodies.
const maxContentSize = 16 << 20

// handler exposes a pf.RemoteAPI over the wire protocol HTTPRemote speaks.
type handler struct {
	api    pf.RemoteAPI
	logger pf.Logger
}

// NewHandler returns an http.Handler serving api. When token is non-empty,
// requests must carry it as a bearer token.
func NewHandler(api pf.RemoteAPI, token string, logger pf.Logger) http.Handler {
	if logger == nil {
		logger = pf.NewNopLogger()
	}
	h := &handler{api: api, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	if token != "" {
		r.Use(bearerAuth(token))
	}

	r.Route("/records", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.add)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.info)
			r.Put("/", h.saveInfo)
			r.Delete("/", h.delete)
			r.Put("/content", h.saveContent)
			r.Get("/versions/{version}", h.versionContent)
		})
	})
	return r
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("served request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	t, err := strconv.Atoi(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "type query parameter must be a number")
		return
	}
	list, err := h.api.ListRecords(r.Context(), pf.Type(t))
	if err != nil {
		h.fail(w, err)
		return
	}
	if list == nil {
		list = []pf.RemoteInfo{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) info(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	info, err := h.api.GetRecordInfo(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) versionContent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version <= 0 {
		writeError(w, http.StatusBadRequest, "invalid version")
		return
	}
	data, err := h.api.GetVersionContent(r.Context(), id, version)
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *handler) add(w http.ResponseWriter, r *http.Request) {
	var info pf.RemoteInfo
	if !readJSON(w, r, &info) {
		return
	}
	created, err := h.api.AddRecord(r.Context(), info)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) saveInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var info pf.RemoteInfo
	if !readJSON(w, r, &info) {
		return
	}
	info.ID = id
	saved, err := h.api.SaveInfo(r.Context(), info)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *handler) saveContent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxContentSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "content too large")
		return
	}
	saved, err := h.api.SaveContent(r.Context(), id, data)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.api.Delete(r.Context(), id, r.Header.Get(deleteSecretHeader)); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps a backend error to a response status.
func (h *handler) fail(w http.ResponseWriter, err error) {
	var re *pf.RemoteError
	switch {
	case errors.As(err, &re) && re.Status >= 400:
		writeError(w, re.Status, re.Message)
	case errors.Is(err, pf.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pf.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, "backend unavailable")
	default:
		h.logger.Error("backend call failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return 0, false
	}
	return id, true
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "expected application/json")
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
