package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/value"
	"github.com/devrev/livestore/pkg/livestore"
)

func testStore(t *testing.T) *livestore.Store {
	t.Helper()
	s, err := schema.New(
		schema.Class{
			Name:       "Person",
			PrimaryKey: "id",
			Properties: []schema.Property{
				{Name: "id", Type: schema.TypeInt},
				{Name: "name", Type: schema.TypeString},
				{Name: "age", Type: schema.TypeInt},
				{Name: "score", Type: schema.TypeDouble},
				{Name: "pet", Type: schema.TypeObject, Target: "Pet"},
				{Name: "extra", Type: schema.TypeAny},
			},
		},
		schema.Class{
			Name: "Pet",
			Properties: []schema.Property{
				{Name: "name", Type: schema.TypeString},
			},
			Backlinks: []schema.Backlink{
				{Name: "owners", SourceClass: "Person", SourceProperty: "pet"},
			},
		},
	)
	require.NoError(t, err)
	store, err := livestore.Open(context.Background(), livestore.Options{Name: "handler", Schema: s, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestServer(t *testing.T) (*httptest.Server, *livestore.Store) {
	t.Helper()
	store := testStore(t)
	h := NewStoreHandler(store, zap.NewNop()).WithHeartbeat(time.Hour)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, store
}

func do(t *testing.T, method, url, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestStoreHandler_CRUD(t *testing.T) {
	srv, _ := newTestServer(t)

	status, out := do(t, http.MethodPost, srv.URL+"/objects/Person", `{"id": 1, "name": "alice", "age": 30, "extra": {"tags": ["a", 1.5]}}`)
	require.Equal(t, http.StatusCreated, status, out)
	key := int64(out["key"].(float64))

	status, out = do(t, http.MethodGet, srv.URL+"/objects/Person/"+itoa(key), "")
	require.Equal(t, http.StatusOK, status)
	fields := out["fields"].(map[string]interface{})
	assert.Equal(t, "alice", fields["name"])
	assert.Equal(t, float64(30), fields["age"])
	assert.Equal(t, map[string]interface{}{"tags": []interface{}{"a", 1.5}}, fields["extra"])

	status, _ = do(t, http.MethodPatch, srv.URL+"/objects/Person/"+itoa(key), `{"age": 31}`)
	require.Equal(t, http.StatusOK, status)
	_, out = do(t, http.MethodGet, srv.URL+"/objects/Person/"+itoa(key), "")
	assert.Equal(t, float64(31), out["fields"].(map[string]interface{})["age"])

	status, out = do(t, http.MethodDelete, srv.URL+"/objects/Person/"+itoa(key), "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), out["deleted"])

	status, out = do(t, http.MethodGet, srv.URL+"/objects/Person/"+itoa(key), "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, float64(errors.ErrCodeObjectDeleted), out["code"])
	assert.Equal(t, "NotFound", out["status"])
}

func TestStoreHandler_Errors(t *testing.T) {
	srv, _ := newTestServer(t)
	do(t, http.MethodPost, srv.URL+"/objects/Person", `{"id": 1}`)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{name: "unknown class", method: http.MethodGet, path: "/objects/Nope", status: http.StatusBadRequest},
		{name: "bad key", method: http.MethodGet, path: "/objects/Person/x", status: http.StatusBadRequest},
		{name: "unknown property", method: http.MethodPost, path: "/objects/Person", body: `{"id": 2, "nope": 1}`, status: http.StatusBadRequest},
		{name: "type mismatch", method: http.MethodPost, path: "/objects/Person", body: `{"id": 2, "age": "old"}`, status: http.StatusBadRequest},
		{name: "duplicate primary key", method: http.MethodPost, path: "/objects/Person", body: `{"id": 1}`, status: http.StatusBadRequest},
		{name: "dangling link", method: http.MethodPost, path: "/objects/Person", body: `{"id": 3, "pet": 99}`, status: http.StatusBadRequest},
		{name: "bad predicate", method: http.MethodGet, path: "/objects/Person?q=age+%3E%3E+1", status: http.StatusBadRequest},
		{name: "patch deleted", method: http.MethodPatch, path: "/objects/Person/42", body: `{"age": 1}`, status: http.StatusNotFound},
		{name: "bad aggregate", method: http.MethodGet, path: "/aggregate/Person?op=sum&property=name", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.status, status, out)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestStoreHandler_QueryAndAggregate(t *testing.T) {
	srv, _ := newTestServer(t)
	for i, name := range []string{"carol", "alice", "bob"} {
		status, _ := do(t, http.MethodPost, srv.URL+"/objects/Person", `{"id": `+itoa(int64(i))+`, "name": "`+name+`", "age": `+itoa(int64(20+10*i))+`}`)
		require.Equal(t, http.StatusCreated, status)
	}

	status, out := do(t, http.MethodGet, srv.URL+"/objects/Person?q=age+%3E%3D+30&sort=-age", "")
	require.Equal(t, http.StatusOK, status)
	objs := out["objects"].([]interface{})
	require.Len(t, objs, 2)
	assert.Equal(t, "bob", objs[0].(map[string]interface{})["fields"].(map[string]interface{})["name"])

	status, out = do(t, http.MethodGet, srv.URL+"/objects/Person?sort=name&limit=1", "")
	require.Equal(t, http.StatusOK, status)
	objs = out["objects"].([]interface{})
	require.Len(t, objs, 1)
	assert.Equal(t, "alice", objs[0].(map[string]interface{})["fields"].(map[string]interface{})["name"])

	_, out = do(t, http.MethodGet, srv.URL+"/aggregate/Person?op=sum&property=age", "")
	assert.Equal(t, float64(90), out["value"])
	_, out = do(t, http.MethodGet, srv.URL+"/aggregate/Person?op=count&q=age+%3C+40", "")
	assert.Equal(t, float64(2), out["value"])

	status, out = do(t, http.MethodDelete, srv.URL+"/objects/Person?q=age+%3C+40", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), out["deleted"])
}

func TestStoreHandler_Backlinks(t *testing.T) {
	srv, _ := newTestServer(t)
	_, out := do(t, http.MethodPost, srv.URL+"/objects/Pet", `{"name": "rex"}`)
	pet := int64(out["key"].(float64))
	for i := 0; i < 2; i++ {
		status, _ := do(t, http.MethodPost, srv.URL+"/objects/Person", `{"id": `+itoa(int64(i))+`, "pet": `+itoa(pet)+`}`)
		require.Equal(t, http.StatusCreated, status)
	}

	status, out := do(t, http.MethodGet, srv.URL+"/objects/Pet/"+itoa(pet)+"/backlinks/owners", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out["objects"], 2)

	status, _ = do(t, http.MethodGet, srv.URL+"/objects/Pet/"+itoa(pet)+"/backlinks/nope", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

type sseEvent struct {
	name string
	data map[string]interface{}
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && ev.name != "":
			return ev
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data))
		}
	}
}

func watch(t *testing.T, url string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body)
}

func TestStoreHandler_WatchObject(t *testing.T) {
	srv, store := newTestServer(t)
	_, out := do(t, http.MethodPost, srv.URL+"/objects/Person", `{"id": 1, "name": "alice"}`)
	key := int64(out["key"].(float64))

	events := watch(t, srv.URL+"/watch/objects/Person/"+itoa(key))
	ev := readEvent(t, events)
	assert.Equal(t, "initial", ev.name)

	_, err := store.Write(context.Background(), func(ctx context.Context, tx *livestore.WriteTx) error {
		obj, err := tx.Object("Person", key)
		if err != nil {
			return err
		}
		return obj.Put("name", value.String("alicia"))
	})
	require.NoError(t, err)

	ev = readEvent(t, events)
	assert.Equal(t, "updated", ev.name)
	assert.Equal(t, []interface{}{"name"}, ev.data["fields"])

	do(t, http.MethodDelete, srv.URL+"/objects/Person/"+itoa(key), "")
	ev = readEvent(t, events)
	assert.Equal(t, "deleted", ev.name)
	ev = readEvent(t, events)
	assert.Equal(t, "end", ev.name)
}

func TestStoreHandler_WatchResults(t *testing.T) {
	srv, _ := newTestServer(t)
	events := watch(t, srv.URL+"/watch/objects/Person?q=age+%3E+18")
	ev := readEvent(t, events)
	assert.Equal(t, "initial", ev.name)
	assert.Empty(t, ev.data["keys"])

	do(t, http.MethodPost, srv.URL+"/objects/Person", `{"id": 1, "age": 10}`)
	_, out := do(t, http.MethodPost, srv.URL+"/objects/Person", `{"id": 2, "age": 40}`)

	ev = readEvent(t, events)
	assert.Equal(t, "updated", ev.name)
	assert.Equal(t, []interface{}{out["key"]}, ev.data["keys"])
	assert.Equal(t, []interface{}{float64(0)}, ev.data["insertions"])
}

func TestDecodeFields(t *testing.T) {
	sc, err := schema.New(schema.Class{
		Name: "T",
		Properties: []schema.Property{
			{Name: "i", Type: schema.TypeInt},
			{Name: "f", Type: schema.TypeFloat},
			{Name: "ts", Type: schema.TypeTimestamp},
			{Name: "u", Type: schema.TypeUUID},
			{Name: "tags", Type: schema.TypeString, Collection: schema.CollectionSet},
			{Name: "link", Type: schema.TypeObject, Target: "T", Nullable: true},
			{Name: "any", Type: schema.TypeAny},
		},
	})
	require.NoError(t, err)
	c, ok := sc.Class("T")
	require.True(t, ok)
	fields, err := decodeFields(c, []byte(`{
		"i": 9007199254740993,
		"f": 1.5,
		"ts": "2024-01-02T03:04:05Z",
		"u": "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		"tags": ["x", "y"],
		"link": {"class": "T", "key": 4},
		"any": [1, 2.5, {"class": "T", "key": 1}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, value.Int(9007199254740993), fields["i"], "integers stay exact")
	assert.Equal(t, value.Float(1.5), fields["f"])
	assert.Equal(t, value.Object("T", 4), fields["link"])
	ts, err := fields["ts"].AsTimestamp()
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())
	assert.Equal(t, value.List(value.Int(1), value.Double(2.5), value.Object("T", 1)).String(), fields["any"].String())

	_, err = decodeFields(c, []byte(`{"i": 1.5}`))
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
	_, err = decodeFields(c, []byte(`[1]`))
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func itoa(i int64) string {
	b, _ := json.Marshal(i)
	return string(b)
}
