package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitserve/bitserve"
	"github.com/bitserve/bitserve/archive"
	"github.com/bitserve/bitserve/catalog"
	"github.com/bitserve/bitserve/engine/enginetest"
	"github.com/bitserve/bitserve/events"
	"github.com/bitserve/bitserve/lifecycle"
	"github.com/bitserve/bitserve/sysinfo"
)

func newTestServer(t *testing.T) (*Server, *enginetest.Fake) {
	t.Helper()
	dir := t.TempDir()

	store := catalog.NewBoltStore(catalog.WithNoSync(true))
	require.NoError(t, store.Open(filepath.Join(dir, "catalog.db")))
	t.Cleanup(func() { _ = store.Close() })

	a, err := archive.New(filepath.Join(dir, "descriptors"))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	sess, err := archive.NewSessionStore(filepath.Join(dir, "session.dat"))
	require.NoError(t, err)
	t.Cleanup(sess.Close)

	fake := enginetest.New()
	controller := lifecycle.New(lifecycle.Config{
		Catalog:  store,
		Archive:  a,
		Sessions: sess,
		Engine:   fake,
		Capacity: 10,
	})

	s, err := New(Config{
		Controller: controller,
		Webhooks:   events.NewRegistry(),
		SysInfo:    sysinfo.NewCollector(dir),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return s, fake
}

// multipartBody builds a multipart form with each blob as a file in
// the "torrents" field.
func multipartBody(t *testing.T, blobs ...[]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i, blob := range blobs {
		part, err := mw.CreateFormFile("torrents", "upload-"+string(rune('a'+i))+".torrent")
		require.NoError(t, err)
		_, err = part.Write(blob)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func doRequest(s *Server, method, path string, contentType string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func addTorrent(t *testing.T, s *Server, name string) bitserve.InfoHash {
	t.Helper()
	body, ct := multipartBody(t, enginetest.Descriptor(name))
	rec := doRequest(s, http.MethodPost, "/torrents", ct, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp addResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Results, 1)
	require.True(t, resp.Results[0].OK, resp.Results[0].Error)
	return resp.Results[0].Status.ID
}

func TestHandleAdd(t *testing.T) {
	s, fake := newTestServer(t)

	body, ct := multipartBody(t,
		enginetest.Descriptor("alpha"),
		[]byte("garbage"),
		enginetest.Descriptor("beta"),
	)
	rec := doRequest(s, http.MethodPost, "/torrents", ct, body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp addResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Results, 3)

	assert.True(t, resp.Results[0].OK)
	assert.Equal(t, "alpha", resp.Results[0].Status.Name)
	assert.False(t, resp.Results[1].OK)
	assert.NotEmpty(t, resp.Results[1].Error)
	assert.True(t, resp.Results[2].OK)

	assert.Equal(t, 2, fake.LoadedCount())
}

func TestHandleAddDuplicate(t *testing.T) {
	s, _ := newTestServer(t)
	addTorrent(t, s, "alpha")

	body, ct := multipartBody(t, enginetest.Descriptor("alpha"))
	rec := doRequest(s, http.MethodPost, "/torrents", ct, body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp addResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Results, 1)
	assert.False(t, resp.Results[0].OK)
	assert.Contains(t, resp.Results[0].Error, "already exists")
}

func TestHandleAddNoFiles(t *testing.T) {
	s, _ := newTestServer(t)

	body, ct := multipartBody(t)
	rec := doRequest(s, http.MethodPost, "/torrents", ct, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListAndGet(t *testing.T) {
	s, _ := newTestServer(t)
	a := addTorrent(t, s, "alpha")
	addTorrent(t, s, "beta")

	rec := doRequest(s, http.MethodGet, "/torrents", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list listResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "alpha", list.Torrents[0].Name)
	assert.Equal(t, "beta", list.Torrents[1].Name)

	rec = doRequest(s, http.MethodGet, "/torrents/"+a.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status lifecycle.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, a, status.ID)

	// Pagination.
	rec = doRequest(s, http.MethodGet, "/torrents?offset=1&limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "beta", list.Torrents[0].Name)
}

func TestHandleGetNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	missing := enginetest.ID(enginetest.Descriptor("missing"))
	rec := doRequest(s, http.MethodGet, "/torrents/"+missing.String(), "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(s, http.MethodGet, "/torrents/not-hex", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRemove(t *testing.T) {
	s, fake := newTestServer(t)
	a := addTorrent(t, s, "alpha")
	missing := enginetest.ID(enginetest.Descriptor("missing"))

	reqBody, err := json.Marshal(removeRequest{
		IDs:         []string{a.String(), missing.String()},
		DeleteFiles: true,
	})
	require.NoError(t, err)

	rec := doRequest(s, http.MethodPost, "/torrents/remove", "application/json", bytes.NewReader(reqBody))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp removeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].OK)
	assert.False(t, resp.Results[1].OK)

	assert.False(t, fake.IsLoaded(a))
	require.Len(t, fake.Unloaded, 1)
	assert.True(t, fake.Unloaded[0].DeleteFiles)
}

func TestHandleRemoveNoneMatched(t *testing.T) {
	s, _ := newTestServer(t)

	missing := enginetest.ID(enginetest.Descriptor("missing"))
	reqBody, err := json.Marshal(removeRequest{IDs: []string{missing.String()}})
	require.NoError(t, err)

	rec := doRequest(s, http.MethodPost, "/torrents/remove", "application/json", bytes.NewReader(reqBody))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePauseResume(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestServer(t)
	a := addTorrent(t, s, "alpha")

	rec := doRequest(s, http.MethodPost, "/torrents/"+a.String()+"/pause", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, fake.IsLoaded(a))

	status, err := s.controller.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatePaused, status.State)

	rec = doRequest(s, http.MethodPost, "/torrents/"+a.String()+"/resume", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, fake.IsLoaded(a))

	missing := enginetest.ID(enginetest.Descriptor("missing"))
	rec = doRequest(s, http.MethodPost, "/torrents/"+missing.String()+"/pause", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealthAndStats(t *testing.T) {
	s, _ := newTestServer(t)
	addTorrent(t, s, "alpha")

	rec := doRequest(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = doRequest(s, http.MethodGet, "/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats statsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Resident)
	assert.Equal(t, 10, stats.Capacity)
	assert.Equal(t, 1, stats.Total)
}

func TestHandleSystem(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/system", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap sysinfo.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Positive(t, snap.Memory.TotalBytes)
}

func TestHandleWebhooks(t *testing.T) {
	s, _ := newTestServer(t)

	// An explicit event subscription and an all-events one.
	reqBody, err := json.Marshal(webhookRequest{Event: events.TypePaused, URL: "http://example.org/paused"})
	require.NoError(t, err)
	rec := doRequest(s, http.MethodPost, "/webhooks", "application/json", bytes.NewReader(reqBody))
	require.Equal(t, http.StatusCreated, rec.Code)

	reqBody, err = json.Marshal(webhookRequest{URL: "http://example.org/all"})
	require.NoError(t, err)
	rec = doRequest(s, http.MethodPost, "/webhooks", "application/json", bytes.NewReader(reqBody))
	require.Equal(t, http.StatusCreated, rec.Code)

	reqBody, err = json.Marshal(webhookRequest{URL: "not a url"})
	require.NoError(t, err)
	rec = doRequest(s, http.MethodPost, "/webhooks", "application/json", bytes.NewReader(reqBody))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	reqBody, err = json.Marshal(webhookRequest{Event: "torrent.exploded", URL: "http://example.org/hook"})
	require.NoError(t, err)
	rec = doRequest(s, http.MethodPost, "/webhooks", "application/json", bytes.NewReader(reqBody))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodGet, "/webhooks", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp webhooksResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []events.Subscription{
		{Event: events.TypePaused, URL: "http://example.org/paused"},
		{Event: events.TypeAll, URL: "http://example.org/all"},
	}, resp.Webhooks)
}
