package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/broker"
	"github.com/SirClappington/chunkq/internal/domain"
	"github.com/SirClappington/chunkq/internal/exception"
	"github.com/SirClappington/chunkq/internal/launcher"
	"github.com/SirClappington/chunkq/internal/metrics"
	"github.com/SirClappington/chunkq/internal/queue"
	"github.com/SirClappington/chunkq/internal/storage"
)

type fakeLauncher struct {
	name      string
	overrides map[string]string
}

func (l *fakeLauncher) Generate(_ context.Context, name string, overrides map[string]string) (launcher.Result, error) {
	if name == "missing" {
		return launcher.Result{}, exception.InvalidArgument("lookup", "unknown batch %q", name)
	}
	l.name, l.overrides = name, overrides
	return launcher.Result{Batch: name, Jobs: []domain.JobID{"j1", "j2"}, Records: 7}, nil
}

type names []string

func (n names) Names() []string { return n }

type fixture struct {
	srv   *httptest.Server
	brk   *broker.Broker
	q     *queue.RedisQ
	store *storage.Store
	lnch  *fakeLauncher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	log := zap.NewNop()

	q := queue.New(rdb, log)
	store := storage.New(rdb, time.Hour)
	brk := broker.New(q, store, rdb, log, broker.Options{JobTTL: time.Hour})
	require.NoError(t, brk.Start(context.Background()))
	t.Cleanup(func() { _ = brk.Shutdown(context.Background()) })

	lnch := &fakeLauncher{}
	ping := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	s := New(brk, store, lnch, names{"contract.invoice"}, ping, metrics.New().Handler(), log)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, brk: brk, q: q, store: store, lnch: lnch}
}

func (f *fixture) do(t *testing.T, method, path, body string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil))
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "", nil))

	var out map[string][]string
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/batches", "", &out))
	assert.Equal(t, []string{"contract.invoice"}, out["batches"])
}

func TestStartRun_QueuesGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var out RunResponse
	status := f.do(t, http.MethodPost, "/v1/batches/contract.invoice/runs", `{"overrides":{"job_size":"10"}}`, &out)
	assert.Equal(t, http.StatusAccepted, status)
	require.NotEmpty(t, out.JobID)

	msg, err := f.q.Dequeue(ctx, []string{"contract.invoice"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, out.JobID, msg.ID)
	assert.Equal(t, domain.TaskGenerate, msg.Func)
	var args domain.GenerateArgs
	require.NoError(t, json.Unmarshal(msg.Args, &args))
	assert.Equal(t, "10", args.Overrides["job_size"])
}

func TestStartRun_Sync(t *testing.T) {
	f := newFixture(t)

	var out RunResponse
	status := f.do(t, http.MethodPost, "/v1/batches/contract.invoice/runs", `{"sync":true}`, &out)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []domain.JobID{"j1", "j2"}, out.Jobs)
	assert.Equal(t, 7, out.Records)
	assert.Equal(t, "contract.invoice", f.lnch.name)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/batches/missing/runs", `{"sync":true}`, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/batches/x/runs", `{`, nil))
}

func TestJobs_GetSplitReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.brk.Enqueue(ctx, "contract.invoice", domain.TaskExec, domain.ExecArgs{
		Batch:  "contract.invoice",
		IDs:    []int64{1, 2, 3},
		Params: domain.JobParams{Split: true},
	}, nil)
	require.NoError(t, err)

	var rec domain.JobRecord
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/jobs/"+string(id), "", &rec))
	assert.Equal(t, domain.TaskExec, rec.Func)

	var split map[string][]domain.JobID
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/jobs/"+string(id)+"/split", "", &split))
	assert.Len(t, split["jobs"], 3)

	var replay map[string]domain.JobID
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/jobs/"+string(id)+"/replay", "", &replay))
	assert.NotEqual(t, id, replay["job_id"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/jobs/nope", "", nil))
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/jobs/nope/split", "", nil))
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/jobs/nope/replay", "", nil))
}

func TestFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var out map[string][]domain.JobID
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/failures", "", &out))
	assert.Empty(t, out["jobs"])

	require.NoError(t, f.store.AppendFailure(ctx, "a"))
	require.NoError(t, f.store.AppendFailure(ctx, "b"))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/failures?limit=1", "", &out))
	assert.Equal(t, []domain.JobID{"b"}, out["jobs"])
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/failures?limit=x", "", nil))
}

func TestStartRun_Delayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	var out RunResponse
	body := `{"at":"` + at.Format(time.RFC3339) + `"}`
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/batches/contract.invoice/runs", body, &out))

	n, err := f.q.Len(ctx, "contract.invoice")
	require.NoError(t, err)
	assert.Zero(t, n)

	moved, err := f.q.MoveDue(ctx, "contract.invoice", at, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	msg, err := f.q.Dequeue(ctx, []string{"contract.invoice"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, out.JobID, msg.ID)
}
