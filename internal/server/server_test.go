package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/knoguchi/hybridrag/internal/auth"
	"github.com/knoguchi/hybridrag/internal/corpus"
	"github.com/knoguchi/hybridrag/internal/metrics"
	"github.com/knoguchi/hybridrag/internal/retrieval"
)

type fakeRetriever struct {
	fn  func(ctx context.Context, req retrieval.Request) (*retrieval.Response, error)
	got retrieval.Request
}

func (f *fakeRetriever) Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Response, error) {
	f.got = req
	return f.fn(ctx, req)
}

type fakeRebuilder struct {
	fn func(ctx context.Context) (*corpus.Rebuilt, []corpus.TermCount, error)
}

func (f fakeRebuilder) Run(ctx context.Context) (*corpus.Rebuilt, []corpus.TermCount, error) {
	return f.fn(ctx)
}

func okRetriever() *fakeRetriever {
	return &fakeRetriever{fn: func(ctx context.Context, req retrieval.Request) (*retrieval.Response, error) {
		return &retrieval.Response{
			Results: []retrieval.Result{{
				Text:           "The enterprise plan costs $50 per user.",
				Source:         "https://example.com/pricing",
				Metadata:       map[string]string{"passage_id": "p1"},
				RelevanceScore: 0.91,
			}},
			StatsAvailable: true,
			StatsVersion:   4,
		}, nil
	}}
}

func newTestServer(t *testing.T, cfg HTTPServerConfig) *HTTPServer {
	t.Helper()
	if cfg.Retriever == nil {
		cfg.Retriever = okRetriever()
	}
	s, err := NewHTTPServer(cfg)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		r.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestNewHTTPServer_RequiresRetriever(t *testing.T) {
	_, err := NewHTTPServer(HTTPServerConfig{})
	assert.Error(t, err)
}

func TestRetrieve_OK(t *testing.T) {
	ret := okRetriever()
	m := metrics.New()
	s := newTestServer(t, HTTPServerConfig{Retriever: ret, Metrics: m})

	rec := do(t, s.Handler(), http.MethodPost, "/v1/retrieve",
		`{"query":"enterprise pricing","max_results":3,"rerank":false,"visual":{"focus":true}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp retrieval.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "https://example.com/pricing", resp.Results[0].Source)
	assert.Equal(t, uint64(4), resp.StatsVersion)

	assert.Equal(t, "enterprise pricing", ret.got.Query)
	assert.Equal(t, 3, ret.got.MaxResults)
	require.NotNil(t, ret.got.Rerank)
	assert.False(t, *ret.got.Rerank)
	assert.True(t, ret.got.Visual.Focus)
}

func TestRetrieve_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"malformed json", `{"query":`, nil, http.StatusBadRequest},
		{"unknown field", `{"query":"x","bogus":1}`, nil, http.StatusBadRequest},
		{"invalid query", `{"query":""}`, fmt.Errorf("%w: query is required", retrieval.ErrInvalidQuery), http.StatusBadRequest},
		{"embedding down", `{"query":"x"}`, errors.New("embedding query: connection refused"), http.StatusServiceUnavailable},
		{"timeout", `{"query":"x"}`, fmt.Errorf("searching vectors: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ret := &fakeRetriever{fn: func(ctx context.Context, req retrieval.Request) (*retrieval.Response, error) {
				if tt.err != nil {
					return nil, tt.err
				}
				return &retrieval.Response{}, nil
			}}
			s := newTestServer(t, HTTPServerConfig{Retriever: ret})

			rec := do(t, s.Handler(), http.MethodPost, "/v1/retrieve", tt.body, nil)
			assert.Equal(t, tt.want, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func publishedHolder(t *testing.T) *corpus.Holder {
	t.Helper()
	h := corpus.NewHolder()
	h.Swap(&corpus.Statistics{
		TermFrequency:         map[string]uint64{"pricing": 9, "api": 4},
		DocumentFrequency:     map[string]uint64{"pricing": 3, "api": 2},
		TotalDocuments:        5,
		AverageDocumentLength: 12,
		BuiltAt:               time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	return h
}

func TestStats(t *testing.T) {
	s := newTestServer(t, HTTPServerConfig{Holder: publishedHolder(t)})

	rec := do(t, s.Handler(), http.MethodGet, "/v1/admin/corpus-stats?top=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Available)
	assert.Equal(t, uint64(1), resp.Version)
	assert.Equal(t, uint64(5), resp.TotalDocuments)
	assert.Equal(t, 2, resp.Terms)
	require.Len(t, resp.TopTerms, 1)
	assert.Equal(t, "pricing", resp.TopTerms[0].Term)
	require.NotNil(t, resp.BuiltAt)

	rec = do(t, s.Handler(), http.MethodGet, "/v1/admin/corpus-stats?top=-2", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats_Unavailable(t *testing.T) {
	s := newTestServer(t, HTTPServerConfig{})

	rec := do(t, s.Handler(), http.MethodGet, "/v1/admin/corpus-stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Available)
}

func TestRebuild(t *testing.T) {
	reb := fakeRebuilder{fn: func(ctx context.Context) (*corpus.Rebuilt, []corpus.TermCount, error) {
		return &corpus.Rebuilt{RebuildID: "r1", Version: 2, TotalDocuments: 5},
			[]corpus.TermCount{{Term: "pricing", Frequency: 9}}, nil
	}}
	s := newTestServer(t, HTTPServerConfig{Rebuilder: reb, Metrics: metrics.New()})

	rec := do(t, s.Handler(), http.MethodPost, "/v1/admin/corpus-stats/rebuild", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp rebuildResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "r1", resp.Rebuild.RebuildID)
	assert.Equal(t, uint64(2), resp.Rebuild.Version)
	require.Len(t, resp.TopTerms, 1)
}

func TestRebuild_EmptyCorpus(t *testing.T) {
	reb := fakeRebuilder{fn: func(ctx context.Context) (*corpus.Rebuilt, []corpus.TermCount, error) {
		return nil, nil, fmt.Errorf("rebuilding statistics: %w", corpus.ErrStatsUnavailable)
	}}
	s := newTestServer(t, HTTPServerConfig{Rebuilder: reb})

	rec := do(t, s.Handler(), http.MethodPost, "/v1/admin/corpus-stats/rebuild", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRebuild_NotConfigured(t *testing.T) {
	s := newTestServer(t, HTTPServerConfig{})

	rec := do(t, s.Handler(), http.MethodPost, "/v1/admin/corpus-stats/rebuild", "", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestRebuild_OneAtATime(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	reb := fakeRebuilder{fn: func(ctx context.Context) (*corpus.Rebuilt, []corpus.TermCount, error) {
		close(started)
		<-release
		return &corpus.Rebuilt{RebuildID: "r1", Version: 1}, nil, nil
	}}
	s := newTestServer(t, HTTPServerConfig{Rebuilder: reb})

	var wg sync.WaitGroup
	var first int
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = do(t, s.Handler(), http.MethodPost, "/v1/admin/corpus-stats/rebuild", "", nil).Code
	}()

	<-started
	rec := do(t, s.Handler(), http.MethodPost, "/v1/admin/corpus-stats/rebuild", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(release)
	wg.Wait()
	assert.Equal(t, http.StatusOK, first)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	jwtm := auth.NewJWTManager(auth.DefaultJWTConfig("secret"))
	s := newTestServer(t, HTTPServerConfig{Holder: publishedHolder(t), JWT: jwtm})

	rec := do(t, s.Handler(), http.MethodGet, "/v1/admin/corpus-stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := jwtm.GenerateToken("ops", auth.RoleAdmin)
	require.NoError(t, err)
	rec = do(t, s.Handler(), http.MethodGet, "/v1/admin/corpus-stats", "",
		http.Header{"Authorization": []string{"Bearer " + token}})
	assert.Equal(t, http.StatusOK, rec.Code)

	// The retrieval route stays public.
	rec = do(t, s.Handler(), http.MethodPost, "/v1/retrieve", `{"query":"pricing"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	dbErr := errors.New("connection refused")
	healthy := true
	s := newTestServer(t, HTTPServerConfig{Checks: []ReadinessCheck{{
		Name: "postgres",
		Check: func(ctx context.Context) error {
			if healthy {
				return nil
			}
			return dbErr
		},
	}}})

	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/healthz", "", nil).Code)

	rec := do(t, s.Handler(), http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"corpus_stats":"unavailable"`)

	healthy = false
	rec = do(t, s.Handler(), http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	s := newTestServer(t, HTTPServerConfig{Metrics: m})

	do(t, s.Handler(), http.MethodPost, "/v1/retrieve", `{"query":"pricing"}`, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte(`route="/v1/retrieve"`)), rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, HTTPServerConfig{AllowedOrigins: []string{"https://app.example.com"}})

	rec := do(t, s.Handler(), http.MethodOptions, "/v1/retrieve", "",
		http.Header{"Origin": []string{"https://app.example.com"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestGRPCHealth(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	gs := NewGRPCServer(GRPCServerConfig{})
	go gs.Serve(lis)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		gs.Shutdown(ctx)
	})

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	gs.SetServing(true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
