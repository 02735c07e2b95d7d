package actors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/rowhook/cache"
	"github.com/maxpert/rowhook/dispatch"
	"github.com/maxpert/rowhook/mapper"
	"github.com/maxpert/rowhook/session"
	"github.com/rs/zerolog/log"
)

// API serves actor CRUD over HTTP. Every write runs in its own transaction.
type API struct {
	session *session.Session
	dao     *mapper.Dao[Actor, int64]
	cache   *cache.Cache[int64, Actor]
}

// NewAPI creates the API. cache may be nil, in which case reads always go
// to the database.
func NewAPI(s *session.Session, dao *mapper.Dao[Actor, int64], c *cache.Cache[int64, Actor]) *API {
	return &API{session: s, dao: dao, cache: c}
}

// Routes returns the actor router, meant to be mounted at /actors
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", a.handleList)
	r.Post("/", a.handleCreate)
	r.Post("/batch", a.handleBatchCreate)
	r.Get("/{id}", a.handleGet)
	r.Put("/{id}", a.handleUpdate)
	r.Delete("/{id}", a.handleDelete)
	return r
}

type batchRequest struct {
	Actors []Actor `json:"actors"`
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	all, err := a.dao.FindAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if all == nil {
		all = []Actor{}
	}
	writeJSON(w, http.StatusOK, all)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if a.cache != nil {
		if actor, hit := a.cache.Get(id); hit {
			w.Header().Set("X-Cache", "hit")
			writeJSON(w, http.StatusOK, actor)
			return
		}
	}

	actor, err := a.dao.FindByID(r.Context(), id)
	if errors.Is(err, mapper.ErrNotFound) {
		writeError(w, http.StatusNotFound, "actor not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("X-Cache", "miss")
	writeJSON(w, http.StatusOK, actor)
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in Actor
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	in.ID = 0

	var created Actor
	err := a.transaction(r, func(ctx context.Context, _ *session.Tx) error {
		var err error
		created, err = a.dao.Insert(ctx, in)
		return err
	})
	if !a.finish(w, err) {
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	var in batchRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(in.Actors) == 0 {
		writeError(w, http.StatusBadRequest, "actors is required")
		return
	}
	for i := range in.Actors {
		in.Actors[i].ID = 0
	}

	var created []Actor
	err := a.transaction(r, func(ctx context.Context, _ *session.Tx) error {
		var err error
		created, err = a.dao.BatchInsert(ctx, in.Actors...)
		return err
	})
	if !a.finish(w, err) {
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var in Actor
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	in.ID = id

	var updated Actor
	err := a.transaction(r, func(ctx context.Context, _ *session.Tx) error {
		var err error
		updated, err = a.dao.UnsafeUpdate(ctx, in)
		return err
	})
	if !a.finish(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var deleted int64
	err := a.transaction(r, func(ctx context.Context, _ *session.Tx) error {
		var err error
		deleted, err = a.dao.Delete(ctx, id)
		return err
	})
	if !a.finish(w, err) {
		return
	}
	if deleted == 0 {
		writeError(w, http.StatusNotFound, "actor not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// transaction runs fn in a transaction, rolled back when the request asks
// for a dry run.
func (a *API) transaction(r *http.Request, fn func(ctx context.Context, tx *session.Tx) error) error {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	return a.session.Transaction(r.Context(), func(ctx context.Context, tx *session.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if dryRun {
			tx.SetRollbackOnly()
		}
		return nil
	})
}

// finish writes the error response for err and reports whether the handler
// should write its success response. A failed flush after a commit is
// logged; the write itself stands.
func (a *API) finish(w http.ResponseWriter, err error) bool {
	if err == nil {
		return true
	}

	var flushErr *dispatch.FlushError
	if errors.As(err, &flushErr) && flushErr.Committed {
		log.Warn().Err(err).Uint64("txn_id", flushErr.TxnID).Msg("Actor write committed but listeners failed")
		return true
	}

	switch {
	case errors.Is(err, mapper.ErrNotFound):
		writeError(w, http.StatusNotFound, "actor not found")
	case errors.Is(err, dispatch.ErrImmediateListener):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
	return false
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid actor id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}
