package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/dispatcher"
	"github.com/JakeFAU/webimporter/internal/fetch"
	"github.com/JakeFAU/webimporter/internal/jobs"
	queueMemory "github.com/JakeFAU/webimporter/internal/queue/memory"
	"github.com/JakeFAU/webimporter/internal/storage/memory"
)

func TestServerSubmitImportSucceeds(t *testing.T) {
	t.Parallel()

	jobStore := memory.NewJobStore()
	q := queueMemory.NewQueue(10)
	dispatch := dispatcher.New(q, nil)
	server := NewServer(jobStore, dispatch, &fakeIDGen{ids: []string{"job-1"}}, &fakeClock{now: time.Unix(100, 0)}, nil, Config{
		Defaults: jobs.Options{FollowRedirects: true, MaxRedirects: 3},
	}, zap.NewNop())

	body := `{"references":["https://example.com"],"tags":{"team":"docs"},"options":{"store_content":true}}`
	rec := serve(server, http.MethodPost, "/v1/imports", body, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "job-1")
	require.Equal(t, "/v1/imports/job-1", rec.Header().Get("Location"))

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", item.JobID)
	require.Equal(t, jobs.Options{FollowRedirects: true, MaxRedirects: 3, StoreContent: true}, item.Params.Options)
	require.Equal(t, "docs", item.Params.Tags["team"])

	job, err := jobStore.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusQueued, job.Status)
}

func TestServerSubmitImportValidation(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		body string
		code int
		msg  string
	}{
		"invalid json":     {body: "{invalid", code: http.StatusBadRequest, msg: "invalid JSON"},
		"no references":    {body: `{"references":[]}`, code: http.StatusBadRequest, msg: "references required"},
		"bad scheme":       {body: `{"references":["ftp://x/y"]}`, code: http.StatusBadRequest, msg: "unsupported reference scheme"},
		"missing host":     {body: `{"references":["https:///path"]}`, code: http.StatusBadRequest, msg: "has no host"},
		"unknown template": {body: `{"template":"nope"}`, code: http.StatusNotFound, msg: "not found"},
		"negative limit":   {body: `{"references":["https://a"],"options":{"max_redirects":-1}}`, code: http.StatusBadRequest, msg: "max_redirects"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			rec := serve(newTestServer(), http.MethodPost, "/v1/imports", tc.body, nil)
			require.Equal(t, tc.code, rec.Code)
			require.Contains(t, rec.Body.String(), tc.msg)
		})
	}
}

func TestServerSubmitTemplate(t *testing.T) {
	t.Parallel()

	q := queueMemory.NewQueue(10)
	server := NewServer(memory.NewJobStore(), q, &fakeIDGen{ids: []string{"job-t"}}, &fakeClock{now: time.Unix(1, 0)}, nil, Config{
		Templates: map[string]jobs.Parameters{
			"docs": {
				References: []string{"https://docs.example.com"},
				Tags:       map[string]string{"source": "docs"},
				Options:    jobs.Options{UseBrowser: true},
			},
		},
	}, zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/imports", `{"template":"docs","references":["file:///tmp/a.txt"],"tags":{"extra":"1"}}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"https://docs.example.com", "file:///tmp/a.txt"}, item.Params.References)
	require.Equal(t, map[string]string{"source": "docs", "extra": "1"}, item.Params.Tags)
	require.True(t, item.Params.Options.UseBrowser)
}

func TestServerJobRoutes(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, jobs.Job{ID: "job-1", Status: jobs.StatusQueued}))
	require.NoError(t, store.UpdateJobStatus(ctx, "job-1", jobs.StatusRunning, "", jobs.Counters{Accepted: 2}))
	require.NoError(t, store.RecordDocument(ctx, jobs.DocumentRecord{JobID: "job-1", Reference: "https://example.com", Outcome: "accepted"}))
	server := newTestServerWithStore(store)

	rec := serve(server, http.MethodGet, "/v1/imports/job-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"running"`)

	rec = serve(server, http.MethodGet, "/v1/imports/job-1/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Status   jobs.Status   `json:"status"`
		Counters jobs.Counters `json:"counters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, jobs.StatusRunning, status.Status)
	require.Equal(t, 2, status.Counters.Accepted)

	rec = serve(server, http.MethodGet, "/v1/imports/job-1/result", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result jobs.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Documents, 1)

	rec = serve(server, http.MethodPost, "/v1/imports/job-1/cancel", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCanceled, job.Status)
	require.Equal(t, 2, job.Counters.Accepted)

	rec = serve(server, http.MethodPost, "/v1/imports/job-1/cancel", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/imports/missing/status", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerResultListError(t *testing.T) {
	t.Parallel()

	store := &failingListStore{JobStore: memory.NewJobStore()}
	require.NoError(t, store.CreateJob(context.Background(), jobs.Job{ID: "job-1"}))
	rec := serve(newTestServerWithStore(store), http.MethodGet, "/v1/imports/job-1/result", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServerFetchEndpoint(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{resp: fetch.Response{
		State:       fetch.StateNew,
		StatusCode:  200,
		ContentType: "text/plain",
		Headers:     http.Header{"Etag": {`"v1"`}},
		Body:        []byte("hello"),
		Fetcher:     "http",
	}}
	server := NewServer(memory.NewJobStore(), queueMemory.NewQueue(1), &fakeIDGen{}, &fakeClock{}, f, Config{}, zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/fetch", `{"reference":"https://example.com","include_body":true}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out fetchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, fetch.StateNew, out.State)
	require.Equal(t, "hello", out.Body)
	require.Equal(t, 5, out.BodyBytes)
	require.Equal(t, []string{`"v1"`}, out.Headers["Etag"])

	rec = serve(server, http.MethodPost, "/v1/fetch", `{"reference":"https://example.com","method":"DELETE"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	f.err = fetch.ErrNoFetcher
	f.resp = fetch.Response{}
	rec = serve(server, http.MethodPost, "/v1/fetch", `{"reference":"https://example.com"}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = serve(newTestServer(), http.MethodPost, "/v1/fetch", `{"reference":"https://example.com"}`, nil)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServerAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(memory.NewJobStore(), queueMemory.NewQueue(1), &fakeIDGen{}, &fakeClock{}, nil, Config{APIKey: "secret"}, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/imports/x/status", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/imports/x/status", "", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/imports/x/status?api_key=secret", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(server, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerProbesAndMetrics(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/readyz", "", nil).Code)
	server.SetDraining(true)
	require.Equal(t, http.StatusServiceUnavailable, serve(server, http.MethodGet, "/readyz", "", nil).Code)

	rec := serve(server, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "# HELP")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(), http.MethodGet, "/healthz", "", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(newTestServer(), http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "abc"})
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	_, _, err := rw.Hijack()
	require.Error(t, err)

	hijackable := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: hijackable, status: http.StatusOK}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.NotNil(t, buf)
	require.NoError(t, hijackable.CloseClient())
	require.NoError(t, conn.Close())
}

func TestSubmitJobEnqueueFailureMarksJobFailed(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	q := queueMemory.NewQueue(1)
	q.Close()

	_, err := SubmitJob(context.Background(), store, q, &fakeIDGen{ids: []string{"job-x"}}, &fakeClock{}, jobs.Parameters{References: []string{"https://a"}})
	require.ErrorIs(t, err, queueMemory.ErrClosed)
	job, err := store.GetJob(context.Background(), "job-x")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, job.Status)
}

func serve(s *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
	n   int
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n < len(f.ids) {
		id := f.ids[f.n]
		f.n++
		return id, nil
	}
	return "", errors.New("no ids")
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type failingListStore struct {
	jobs.JobStore
}

func (failingListStore) ListDocuments(context.Context, string) ([]jobs.DocumentRecord, error) {
	return nil, errors.New("db down")
}

type stubFetcher struct {
	resp fetch.Response
	err  error
}

func (s *stubFetcher) Name() string { return "stub" }

func (s *stubFetcher) Accept(fetch.Request) bool { return true }

func (s *stubFetcher) Fetch(context.Context, fetch.Request) (fetch.Response, error) {
	return s.resp, s.err
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}

func newTestServer() *Server {
	return newTestServerWithStore(memory.NewJobStore())
}

func newTestServerWithStore(jobStore jobs.JobStore) *Server {
	return NewServer(jobStore, queueMemory.NewQueue(10), &fakeIDGen{ids: []string{"job"}}, &fakeClock{now: time.Unix(1, 0)}, nil, Config{}, zap.NewNop())
}
