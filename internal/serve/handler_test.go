package serve

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gftdcojp/objtier/internal/config"
	"github.com/gftdcojp/objtier/internal/memory"
	"github.com/gftdcojp/objtier/internal/meta"
	"github.com/gftdcojp/objtier/internal/tier"
	"github.com/gftdcojp/objtier/internal/types"
	"go.uber.org/zap"
)

// idleScheduler accepts the scan task and never runs it; tests trigger
// passes explicitly.
type idleScheduler struct{}

func (idleScheduler) ScheduleWithFixedDelay(string, tier.Task, time.Duration, time.Duration) error {
	return nil
}

type testEnv struct {
	hot, cold *memory.Store
	store     *tier.Store
	journal   meta.Store
	srv       *httptest.Server
}

func newTestJournal(t *testing.T) meta.Store {
	t.Helper()
	j, err := meta.NewBoltStore(config.JournalConfig{Path: filepath.Join(t.TempDir(), "journal.db")}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func newTestStore(t *testing.T, journal meta.Store) (*tier.Store, *memory.Store, *memory.Store) {
	t.Helper()
	hot := memory.NewStore(zap.NewNop())
	cold := memory.NewStore(zap.NewNop())
	store, err := tier.New(tier.Config{
		Hot:       hot,
		Cold:      cold,
		Scheduler: idleScheduler{},
		AgeDays:   30,
		Journal:   journal,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store, hot, cold
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	journal := newTestJournal(t)
	store, hot, cold := newTestStore(t, journal)
	srv := httptest.NewServer(NewHandler(store, journal, zap.NewNop()))
	t.Cleanup(srv.Close)
	return &testEnv{hot: hot, cold: cold, store: store, journal: journal, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) put(t *testing.T, container, name, data string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.store.Accessor().CreateContainer(ctx, tier.NoLocation, container); err != nil {
		t.Fatal(err)
	}
	resp := e.do(t, "PUT", "/v1/objects/"+container+"/"+name, strings.NewReader(data), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("put %s/%s: expected 201, got %d", container, name, resp.StatusCode)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestHandler_Status(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "GET", "/v1/status", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status types.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "ok" || status.Threshold != (720*time.Hour).String() || status.LastPass != nil {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestHandler_ObjectRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.Accessor().CreateContainer(ctx, tier.NoLocation, "photos")

	resp := env.do(t, "PUT", "/v1/objects/photos/2024/cat.jpg", strings.NewReader("meow"), map[string]string{
		"Content-Type":         "image/jpeg",
		"X-Objtier-Meta-Owner": "alice",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("put: expected 201, got %d", resp.StatusCode)
	}
	etag := resp.Header.Get("ETag")
	if !strings.HasPrefix(etag, `"`) {
		t.Fatalf("expected a quoted etag, got %q", etag)
	}

	resp = env.do(t, "GET", "/v1/objects/photos/2024/cat.jpg", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "meow" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.Header.Get("Content-Type") != "image/jpeg" || resp.Header.Get("X-Objtier-Meta-Owner") != "alice" {
		t.Errorf("unexpected headers %v", resp.Header)
	}
	if resp.Header.Get("ETag") != etag || resp.Header.Get("Last-Modified") == "" {
		t.Errorf("missing validators in %v", resp.Header)
	}

	md, err := env.hot.HeadObject(ctx, "photos", "2024/cat.jpg")
	if err != nil {
		t.Fatalf("expected the write to land in hot: %v", err)
	}
	if md.UserMetadata["owner"] != "alice" {
		t.Errorf("expected user metadata owner=alice, got %v", md.UserMetadata)
	}

	resp = env.do(t, "DELETE", "/v1/objects/photos/2024/cat.jpg", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}
	resp = env.do(t, "GET", "/v1/objects/photos/2024/cat.jpg", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestHandler_HeadReportsTier(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "docs", "old.txt", "archived")
	env.put(t, "docs", "new.txt", "fresh")
	if err := env.hot.Touch("docs", "old.txt", time.Now().Add(-40*24*time.Hour)); err != nil {
		t.Fatal(err)
	}

	resp := env.do(t, "POST", "/v1/admin/scan", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scan: expected 200, got %d", resp.StatusCode)
	}
	var stats types.PassStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Migrated != 1 || stats.SkippedTooNew != 1 {
		t.Fatalf("unexpected pass stats %+v", stats)
	}

	resp = env.do(t, "HEAD", "/v1/objects/docs/old.txt", nil, nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get(types.HeaderTier) != "cold" {
		t.Fatalf("expected old.txt in cold, got %d %q", resp.StatusCode, resp.Header.Get(types.HeaderTier))
	}
	if resp.Header.Get("ETag") == "" {
		t.Error("expected an etag on HEAD")
	}
	resp = env.do(t, "HEAD", "/v1/objects/docs/new.txt", nil, nil)
	if resp.Header.Get(types.HeaderTier) != "hot" {
		t.Fatalf("expected new.txt in hot, got %q", resp.Header.Get(types.HeaderTier))
	}

	// Reads of migrated objects are served from cold.
	resp = env.do(t, "GET", "/v1/objects/docs/old.txt", nil, nil)
	if resp.StatusCode != http.StatusOK || readBody(t, resp) != "archived" {
		t.Fatalf("expected cold fallback, got %d", resp.StatusCode)
	}

	resp = env.do(t, "HEAD", "/v1/objects/docs/missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHandler_RangeAndConditions(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "media", "clip", "0123456789")

	resp := env.do(t, "GET", "/v1/objects/media/clip", nil, map[string]string{"Range": "bytes=2-5"})
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "2345" {
		t.Fatalf("unexpected range body %q", body)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 2-5/*" {
		t.Errorf("unexpected Content-Range %q", cr)
	}

	resp = env.do(t, "GET", "/v1/objects/media/clip", nil, map[string]string{"Range": "bytes=-3"})
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("suffix range: expected 416, got %d", resp.StatusCode)
	}

	head := env.do(t, "HEAD", "/v1/objects/media/clip", nil, nil)
	etag := head.Header.Get("ETag")

	resp = env.do(t, "GET", "/v1/objects/media/clip", nil, map[string]string{"If-None-Match": etag})
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("If-None-Match: expected 304, got %d", resp.StatusCode)
	}
	resp = env.do(t, "GET", "/v1/objects/media/clip", nil, map[string]string{"If-Match": `"stale"`})
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("If-Match: expected 412, got %d", resp.StatusCode)
	}
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	resp = env.do(t, "GET", "/v1/objects/media/clip", nil, map[string]string{"If-Modified-Since": future})
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("If-Modified-Since: expected 304, got %d", resp.StatusCode)
	}
}

func TestHandler_Containers(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "PUT", "/v1/containers/alpha", nil, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp = env.do(t, "PUT", "/v1/containers/alpha", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for an existing container, got %d", resp.StatusCode)
	}
	env.put(t, "beta", "a", "x")
	env.put(t, "beta", "b", "y")

	resp = env.do(t, "GET", "/v1/containers", nil, nil)
	var containers types.ContainerPage
	if err := json.NewDecoder(resp.Body).Decode(&containers); err != nil {
		t.Fatal(err)
	}
	if len(containers.Containers) != 2 || containers.Containers[0].Name != "alpha" {
		t.Fatalf("unexpected containers %+v", containers)
	}

	resp = env.do(t, "GET", "/v1/containers/beta?max_keys=1", nil, nil)
	var page types.ObjectPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	if len(page.Objects) != 1 || page.Objects[0].Name != "a" || page.NextMarker != "a" {
		t.Fatalf("unexpected first page %+v", page)
	}

	resp = env.do(t, "GET", "/v1/containers/beta?max_keys=zero", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad max_keys, got %d", resp.StatusCode)
	}
	resp = env.do(t, "GET", "/v1/containers/ghost", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing container, got %d", resp.StatusCode)
	}

	resp = env.do(t, "DELETE", "/v1/containers/beta", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for a non-empty container, got %d", resp.StatusCode)
	}
	resp = env.do(t, "DELETE", "/v1/containers/alpha", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
}

func TestHandler_Journal(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "logs", "2023.log", "old")
	env.hot.Touch("logs", "2023.log", time.Now().Add(-90*24*time.Hour))

	env.do(t, "POST", "/v1/admin/scan", nil, nil)
	env.do(t, "POST", "/v1/admin/scan", nil, nil)

	resp := env.do(t, "GET", "/v1/passes?limit=1", nil, nil)
	var passes []meta.PassRecord
	if err := json.NewDecoder(resp.Body).Decode(&passes); err != nil {
		t.Fatal(err)
	}
	if len(passes) != 1 || passes[0].Migrated != 0 {
		t.Fatalf("expected the latest pass with nothing left to move, got %+v", passes)
	}

	resp = env.do(t, "GET", "/v1/migrations/logs/2023.log", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var rec meta.MigrationRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.Container != "logs" || rec.Name != "2023.log" || rec.Size != 3 {
		t.Fatalf("unexpected migration record %+v", rec)
	}

	resp = env.do(t, "GET", "/v1/migrations/logs", nil, nil)
	var records []meta.MigrationRecord
	json.NewDecoder(resp.Body).Decode(&records)
	if len(records) != 1 {
		t.Fatalf("expected one migration record, got %d", len(records))
	}

	resp = env.do(t, "GET", "/v1/migrations/logs/never-moved", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp = env.do(t, "GET", "/v1/passes?limit=-1", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandler_JournalDisabled(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	h := NewHandler(store, nil, zap.NewNop())

	for _, path := range []string{"/v1/passes", "/v1/migrations/c", "/v1/migrations/c/o"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		in         string
		start, end int64
		wantErr    bool
	}{
		{in: "bytes=0-0", start: 0, end: 0},
		{in: "bytes=10-", start: 10, end: -1},
		{in: "bytes=5-9", start: 5, end: 9},
		{in: "bytes=-5", wantErr: true},
		{in: "bytes=9-5", wantErr: true},
		{in: "bytes=0-1,4-5", wantErr: true},
		{in: "items=0-1", wantErr: true},
		{in: "bytes=a-b", wantErr: true},
	}
	for _, tt := range tests {
		r, err := parseRange(tt.in)
		if tt.wantErr {
			if !errors.Is(err, tier.ErrInvalidRange) {
				t.Errorf("%q: expected ErrInvalidRange, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tt.in, err)
			continue
		}
		if r.Start != tt.start || r.End != tt.end {
			t.Errorf("%q: got %d-%d, want %d-%d", tt.in, r.Start, r.End, tt.start, tt.end)
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{tier.ErrContainerNotFound, http.StatusNotFound},
		{meta.ErrNotFound, http.StatusNotFound},
		{tier.ErrInvalidName, http.StatusBadRequest},
		{tier.ErrContainerNotEmpty, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("%v: got %d, want %d", tt.err, got, tt.want)
		}
	}
}
