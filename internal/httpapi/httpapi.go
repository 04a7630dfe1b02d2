// Package httpapi implements the HTTP façade client
// agents talk to. Domain errors are mapped to 400s while anything
// unexpected maps to 500. The /blob/* routes carry JSON bodies
// throughout — including the GET /blob/lookup route, whose key
// travels in the body rather than a query parameter — and /job/submit
// fronts the job manager.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/donald-pinckney/blobidx/internal/blob"
	"github.com/donald-pinckney/blobidx/internal/debug"
	"github.com/donald-pinckney/blobidx/internal/jobmanager"
)

// Server wires an Index (and, optionally, a JobManager) to the HTTP
// routes clients and job submitters use.
type Server struct {
	idx    *blob.Index
	jm     *jobmanager.JobManager
	apiKey string
	router chi.Router
}

// New builds a Server. When apiKey is non-empty, every request must
// carry a matching Authorization header. jm may be nil, in which case
// /job/submit responds 500 — used by tests that only exercise the
// blob routes.
func New(idx *blob.Index, jm *jobmanager.JobManager, apiKey string) *Server {
	s := &Server{idx: idx, jm: jm, apiKey: apiKey}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/blob/create_and_lock", s.handleCreateAndLock)
		r.Post("/blob/create_unlock", s.handleCreateUnlock)
		r.Post("/blob/keep_alive_lock", s.handleKeepAliveLock)
		r.Get("/blob/lookup", s.handleLookup)
		r.Post("/job/submit", s.handleJobSubmit)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("Authorization") != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// CreateAndLockRequest is the wire shape of a create_and_lock call.
type CreateAndLockRequest struct {
	Entries []blob.BlobEntry `json:"entries"`
	NodeID  string           `json:"node_id"`
}

func (s *Server) handleCreateAndLock(w http.ResponseWriter, r *http.Request) {
	var req CreateAndLockRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	offsets, err := s.idx.CreateAndLock(r.Context(), req.Entries, req.NodeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offsets)
}

// CreateUnlockRequest is the wire shape of a create_unlock call.
type CreateUnlockRequest struct {
	FileID uint64 `json:"file_id"`
	NodeID string `json:"node_id"`
}

func (s *Server) handleCreateUnlock(w http.ResponseWriter, r *http.Request) {
	var req CreateUnlockRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.idx.CreateUnlock(r.Context(), req.FileID, req.NodeID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// KeepAliveLockRequest is the wire shape of a keep_alive_lock call.
type KeepAliveLockRequest struct {
	FileID uint64 `json:"file_id"`
}

func (s *Server) handleKeepAliveLock(w http.ResponseWriter, r *http.Request) {
	var req KeepAliveLockRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.idx.KeepAliveLock(r.Context(), req.FileID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// LookupRequest is the wire shape of a lookup call.
type LookupRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	slice, err := s.idx.Lookup(r.Context(), req.Key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slice)
}

// SubmitJobRequest is the wire shape of a /job/submit call: Kind
// picks the job shape to run, with the rest of the fields interpreted
// accordingly.
type SubmitJobRequest struct {
	Kind    string     `json:"kind"`
	NodeID  string     `json:"node_id"`
	URLs    []string   `json:"urls,omitempty"`
	Key     string     `json:"key,omitempty"`
	Binary  string     `json:"binary,omitempty"`
	Chunks  [][]string `json:"chunks,omitempty"`
	Timeout int64      `json:"timeout_secs,omitempty"`
}

func (s *Server) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	if s.jm == nil {
		writeError(w, http.StatusInternalServerError, "job manager not configured")
		return
	}

	var req SubmitJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	responses, err := jobmanager.Submit(r.Context(), s.jm, jobmanager.SubmitJobRequest{
		Kind:    req.Kind,
		NodeID:  req.NodeID,
		URLs:    req.URLs,
		Key:     req.Key,
		Binary:  req.Binary,
		Chunks:  req.Chunks,
		Timeout: req.Timeout,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, responses)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Log("writing json response: %v", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeDomainError maps a blob.Error to 400 (the request was invalid
// given the index's current state) and anything else to 500. Blob
// errors are serialized structurally — the tagged variant, not the
// English message — so the client agent can reconstruct the exact
// error and dispatch on it.
func writeDomainError(w http.ResponseWriter, err error) {
	if be, ok := blob.AsError(err); ok {
		writeJSON(w, http.StatusBadRequest, struct {
			Error *blob.Error `json:"error"`
		}{Error: be})
		return
	}
	debug.Log("internal error handling request: %v", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
