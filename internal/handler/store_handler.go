package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/pkg/livestore"
)

const (
	defaultHeartbeat = 15 * time.Second
	maxBodySize      = 4 << 20
)

// StoreHandler serves a store over HTTP: object CRUD, queries, aggregates
// and Server-Sent Event streams of object and result changes.
type StoreHandler struct {
	store     *livestore.Store
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewStoreHandler creates a new store handler
func NewStoreHandler(store *livestore.Store, logger *zap.Logger) *StoreHandler {
	return &StoreHandler{
		store:     store,
		logger:    logger,
		heartbeat: defaultHeartbeat,
	}
}

// WithHeartbeat sets the idle interval between keep-alive comments on
// watch streams.
func (h *StoreHandler) WithHeartbeat(d time.Duration) *StoreHandler {
	if d > 0 {
		h.heartbeat = d
	}
	return h
}

// Routes returns the router for the store API.
func (h *StoreHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/classes", h.listClasses)
	r.Route("/objects/{class}", func(r chi.Router) {
		r.Get("/", h.query)
		r.Post("/", h.create)
		r.Delete("/", h.deleteMatching)
		r.Get("/{key}", h.get)
		r.Patch("/{key}", h.update)
		r.Delete("/{key}", h.delete)
		r.Get("/{key}/backlinks/{name}", h.backlinks)
	})
	r.Get("/aggregate/{class}", h.aggregate)
	r.Get("/watch/objects/{class}", h.watchResults)
	r.Get("/watch/objects/{class}/{key}", h.watchObject)
	return r
}

func (h *StoreHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("duration", time.Since(start)))
	})
}

type classJSON struct {
	Name       string   `json:"name"`
	PrimaryKey string   `json:"primary_key,omitempty"`
	Properties []string `json:"properties"`
	Backlinks  []string `json:"backlinks,omitempty"`
}

func (h *StoreHandler) listClasses(w http.ResponseWriter, r *http.Request) {
	classes := h.store.Schema().Classes()
	out := make([]classJSON, 0, len(classes))
	for _, c := range classes {
		cj := classJSON{Name: c.Name, PrimaryKey: c.PrimaryKey}
		for _, p := range c.Properties {
			cj.Properties = append(cj.Properties, p.Name)
		}
		for _, b := range c.Backlinks {
			cj.Backlinks = append(cj.Backlinks, b.Name)
		}
		out = append(out, cj)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *StoreHandler) class(r *http.Request) (*schema.Class, error) {
	return h.store.Schema().Lookup(chi.URLParam(r, "class"))
}

func objectKey(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "key")
	key, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.InvalidArgument(fmt.Sprintf("invalid object key %q", raw), nil)
	}
	return key, nil
}

// results builds the result handle described by the q, sort, distinct and
// limit query parameters, applied in that order.
func (h *StoreHandler) results(r *http.Request) (*livestore.Results, error) {
	c, err := h.class(r)
	if err != nil {
		return nil, err
	}
	params := r.URL.Query()
	var res *livestore.Results
	if q := params.Get("q"); q != "" {
		res, err = h.store.Query(c.Name, q)
	} else {
		res, err = h.store.Objects(c.Name)
	}
	if err != nil {
		return nil, err
	}
	if s := params.Get("sort"); s != "" {
		var keys []livestore.SortKey
		for _, path := range strings.Split(s, ",") {
			key := livestore.SortKey{Path: strings.TrimSpace(path), Ascending: true}
			if strings.HasPrefix(key.Path, "-") {
				key.Path, key.Ascending = key.Path[1:], false
			}
			keys = append(keys, key)
		}
		if res, err = res.Sort(keys...); err != nil {
			return nil, err
		}
	}
	if d := params.Get("distinct"); d != "" {
		if res, err = res.Distinct(strings.Split(d, ",")...); err != nil {
			return nil, err
		}
	}
	if l := params.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			return nil, errors.InvalidArgument(fmt.Sprintf("invalid limit %q", l), nil)
		}
		if res, err = res.Limit(n); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (h *StoreHandler) query(w http.ResponseWriter, r *http.Request) {
	res, err := h.results(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	frozen, err := res.Freeze()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer frozen.Release()

	objs, err := frozen.Objects()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views, err := resolveAll(objs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   frozen.Description(),
		"objects": views,
	})
}

func resolveAll(objs []*livestore.Object) ([]*objectJSON, error) {
	out := make([]*objectJSON, 0, len(objs))
	for _, o := range objs {
		view, found, err := o.Resolve()
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, toObjectJSON(view))
		}
	}
	return out, nil
}

func (h *StoreHandler) get(w http.ResponseWriter, r *http.Request) {
	c, err := h.class(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	key, err := objectKey(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	obj, err := h.store.Object(c.Name, key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view, found, err := obj.Resolve()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !found {
		h.writeError(w, r, errors.ObjectDeleted(c.Name, key))
		return
	}
	writeJSON(w, http.StatusOK, toObjectJSON(view))
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, errors.InvalidArgument("failed to read request body", err)
	}
	return body, nil
}

type writeResult struct {
	Key     int64  `json:"key,omitempty"`
	Version uint64 `json:"version"`
	Deleted int    `json:"deleted,omitempty"`
}

// create inserts an object. With upsert=true an object with the same
// primary key is updated instead.
func (h *StoreHandler) create(w http.ResponseWriter, r *http.Request) {
	c, err := h.class(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	fields, err := decodeFields(c, body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	upsert := r.URL.Query().Get("upsert") == "true"

	var key int64
	version, err := h.store.Write(r.Context(), func(ctx context.Context, tx *livestore.WriteTx) error {
		var obj *livestore.Object
		var err error
		if upsert {
			obj, err = tx.CreateOrUpdate(c.Name, fields)
		} else {
			obj, err = tx.Create(c.Name, fields)
		}
		if err != nil {
			return err
		}
		key = obj.Key()
		return nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, writeResult{Key: key, Version: version})
}

func (h *StoreHandler) update(w http.ResponseWriter, r *http.Request) {
	c, err := h.class(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	key, err := objectKey(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	fields, err := decodeFields(c, body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	version, err := h.store.Write(r.Context(), func(ctx context.Context, tx *livestore.WriteTx) error {
		obj, err := tx.Object(c.Name, key)
		if err != nil {
			return err
		}
		for _, p := range c.Properties {
			v, ok := fields[p.Name]
			if !ok {
				continue
			}
			if err := obj.Put(p.Name, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResult{Key: key, Version: version})
}

func (h *StoreHandler) delete(w http.ResponseWriter, r *http.Request) {
	c, err := h.class(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	key, err := objectKey(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	version, err := h.store.Write(r.Context(), func(ctx context.Context, tx *livestore.WriteTx) error {
		obj, err := tx.Object(c.Name, key)
		if err != nil {
			return err
		}
		return tx.Delete(obj)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResult{Key: key, Version: version, Deleted: 1})
}

// deleteMatching deletes every object the q parameter matches; without q
// the whole class is cleared.
func (h *StoreHandler) deleteMatching(w http.ResponseWriter, r *http.Request) {
	c, err := h.class(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query().Get("q")
	var deleted int
	version, err := h.store.Write(r.Context(), func(ctx context.Context, tx *livestore.WriteTx) error {
		if q == "" {
			n, err := tx.DeleteAll(c.Name)
			deleted = n
			return err
		}
		res, err := tx.Query(c.Name, q)
		if err != nil {
			return err
		}
		deleted, err = tx.DeleteResults(res)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResult{Version: version, Deleted: deleted})
}

func (h *StoreHandler) backlinks(w http.ResponseWriter, r *http.Request) {
	c, err := h.class(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	key, err := objectKey(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	obj, err := h.store.Object(c.Name, key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	links, err := obj.Backlinks(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	frozen, err := links.Freeze()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer frozen.Release()
	objs, err := frozen.Objects()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views, err := resolveAll(objs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"objects": views})
}

// aggregate computes op (count, sum, min, max, avg) over property of the
// results selected like a query.
func (h *StoreHandler) aggregate(w http.ResponseWriter, r *http.Request) {
	res, err := h.results(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	op := r.URL.Query().Get("op")
	if op == "count" {
		n, err := res.Count()
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"op": op, "value": n})
		return
	}
	v, err := res.Aggregate(livestore.AggregateKind(op), r.URL.Query().Get("property"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"op": op, "value": v.Interface()})
}

type objectEventJSON struct {
	Version uint64      `json:"version"`
	Object  *objectJSON `json:"object,omitempty"`
	Fields  []string    `json:"fields,omitempty"`
}

func (h *StoreHandler) watchObject(w http.ResponseWriter, r *http.Request) {
	c, err := h.class(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	key, err := objectKey(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	obj, err := h.store.Object(c.Name, key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var keyPaths []string
	if f := r.URL.Query().Get("fields"); f != "" {
		keyPaths = strings.Split(f, ",")
	}
	sub, err := obj.Observe(keyPaths...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	stream(h, w, r, sub, func(ev livestore.ObjectEvent) (string, interface{}) {
		return ev.Kind.String(), objectEventJSON{
			Version: ev.Version,
			Object:  toObjectJSON(ev.Object),
			Fields:  ev.Fields,
		}
	})
}

type resultsEventJSON struct {
	Version       uint64  `json:"version"`
	Keys          []int64 `json:"keys"`
	Deletions     []int   `json:"deletions,omitempty"`
	Insertions    []int   `json:"insertions,omitempty"`
	Modifications []int   `json:"modifications,omitempty"`
}

func (h *StoreHandler) watchResults(w http.ResponseWriter, r *http.Request) {
	res, err := h.results(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sub, err := res.Observe()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	stream(h, w, r, sub, func(ev livestore.ResultsEvent) (string, interface{}) {
		keys := ev.Keys
		if keys == nil {
			keys = []int64{}
		}
		return ev.Kind.String(), resultsEventJSON{
			Version:       ev.Version,
			Keys:          keys,
			Deletions:     ev.Deletions,
			Insertions:    ev.Insertions,
			Modifications: ev.Changes,
		}
	})
}

// stream forwards subscription events until the client goes away or the
// subscription ends. A final "end" event carries the reason.
func stream[E any](h *StoreHandler, w http.ResponseWriter, r *http.Request,
	sub *livestore.Subscription[E], encode func(E) (string, interface{})) {
	defer sub.Cancel()

	sse, ok := newSSEWriter(w)
	if !ok {
		h.writeError(w, r, errors.InternalError("streaming unsupported", nil))
		return
	}
	h.logger.Debug("Watch started",
		zap.String("subscription", sub.String()),
		zap.String("request_id", middleware.GetReqID(r.Context())))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := sse.comment("keep-alive"); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				reason := "finished"
				if err := sub.Err(); err != nil {
					reason = err.Error()
				}
				_ = sse.event("end", map[string]string{"reason": reason})
				return
			}
			name, data := encode(ev)
			if err := sse.event(name, data); err != nil {
				h.logger.Debug("Watch client went away",
					zap.String("subscription", sub.String()),
					zap.Error(err))
				return
			}
		}
	}
}

type errorJSON struct {
	Error  string `json:"error"`
	Code   int    `json:"code"`
	Status string `json:"status"`
}

func (h *StoreHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	cause := causeOf(err)
	writeJSON(w, status, errorJSON{
		Error:  err.Error(),
		Code:   int(errors.GetCode(cause)),
		Status: errors.StatusName(cause),
	})
}

// causeOf unwraps an aborted write to the error that aborted it.
func causeOf(err error) error {
	var se *errors.StoreError
	if stderrors.Is(err, errors.ErrWriteAborted) && stderrors.As(err, &se) && se.Cause != nil {
		return se.Cause
	}
	return err
}

func statusOf(err error) int {
	cause := causeOf(err)
	if errors.IsStoreError(cause) {
		return errors.HTTPStatus(cause)
	}
	return errors.HTTPStatus(err)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
