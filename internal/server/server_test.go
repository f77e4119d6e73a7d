package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sohio.net/snowgen/internal/broadcast"
	"sohio.net/snowgen/internal/guid"
	"sohio.net/snowgen/internal/journal"
	"sohio.net/snowgen/internal/log"
	"sohio.net/snowgen/internal/metrics"
	"sohio.net/snowgen/internal/snowflake"
	"sohio.net/snowgen/internal/token"
)

type fakeClock struct{ now atomic.Int64 }

func (c *fakeClock) NowMs() int64 { return c.now.Load() }

// memJournal stands in for Postgres. Recording notifies subs the way
// LISTEN/NOTIFY would.
type memJournal struct {
	mu      sync.Mutex
	entries map[uint64]journal.Entry
	epochMs int64
	subs    *broadcast.Set[string]
	err     error
}

func (j *memJournal) Record(_ context.Context, purpose string, ids ...uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	for _, id := range ids {
		j.entries[id] = journal.Entry{ID: id, Parts: snowflake.Decompose(id, j.epochMs), Purpose: purpose}
	}
	for _, id := range ids {
		j.subs.Send(strconv.FormatUint(id, 10))
	}
	return nil
}

func (j *memJournal) After(_ context.Context, after uint64, limit int) ([]journal.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []journal.Entry
	for id, e := range j.entries {
		if id > after {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (j *memJournal) Ping(context.Context) error { return j.err }

type fixture struct {
	gen     *snowflake.Generator
	subs    *broadcast.Set[string]
	metrics *metrics.Metrics
	journal *memJournal
	signer  *token.Signer
	handler http.Handler
}

type option func(*fixture, *Options)

func withJournal() option {
	return func(f *fixture, o *Options) {
		f.journal = &memJournal{entries: map[uint64]journal.Entry{}, epochMs: snowflake.DefaultEpochMs, subs: f.subs}
		o.Journal = f.journal
	}
}

func withSigner() option {
	return func(f *fixture, o *Options) {
		s, err := token.NewSigner([]byte("secret"), time.Minute, guid.Decimal(f.gen))
		if err != nil {
			panic(err)
		}
		f.signer = s
		o.Signer = s
	}
}

func newFixture(t *testing.T, gen *snowflake.Generator, opts ...option) *fixture {
	t.Helper()
	if gen == nil {
		var err error
		gen, err = snowflake.New(7, 11)
		require.NoError(t, err)
	}
	f := &fixture{gen: gen, subs: broadcast.NewSet[string](64)}
	f.metrics = metrics.New(gen, f.subs.Len)

	o := Options{
		Generator:   gen,
		Subscribers: f.subs,
		Metrics:     f.metrics,
		Logger:      log.NewNop(),
		MaxBatch:    100,
	}
	for _, opt := range opts {
		opt(f, &o)
	}

	h, err := NewHandler(o)
	require.NoError(t, err)
	f.handler = h
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeIDs(t *testing.T, body []byte) []idView {
	t.Helper()
	var msg idsMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	return msg.IDs
}

func TestMint(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest("POST", "/ids?count=5", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ids := decodeIDs(t, rec.Body.Bytes())
	require.Len(t, ids, 5)

	var last uint64
	for _, v := range ids {
		id, err := strconv.ParseUint(v.ID, 10, 64)
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id

		assert.Equal(t, uint8(7), v.PartitionID)
		assert.Equal(t, uint8(11), v.WorkerID)
		fromBase62, err := snowflake.ParseBase62(v.Base62)
		require.NoError(t, err)
		assert.Equal(t, id, fromBase62)
	}
	assert.Equal(t, uint64(5), f.gen.Stats().Issued)
}

func TestMint_badCount(t *testing.T) {
	f := newFixture(t, nil)
	for _, c := range []string{"0", "-1", "101", "lots"} {
		rec := f.do(httptest.NewRequest("POST", "/ids?count="+c, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "count=%s", c)
	}
	assert.Zero(t, f.gen.Stats().Issued)
}

func TestMint_clockRegression(t *testing.T) {
	clk := &fakeClock{}
	clk.now.Store(snowflake.DefaultEpochMs + 1_000)
	gen, err := snowflake.New(0, 0, snowflake.WithClock(clk))
	require.NoError(t, err)
	f := newFixture(t, gen)

	rec := f.do(httptest.NewRequest("POST", "/ids", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	clk.now.Store(snowflake.DefaultEpochMs + 1_000 - 50)
	rec = f.do(httptest.NewRequest("POST", "/ids", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "50 milliseconds")
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, uint64(1), gen.Stats().ClockRegressions)
}

func TestMint_journal(t *testing.T) {
	f := newFixture(t, nil, withJournal())

	rec := f.do(httptest.NewRequest("POST", "/ids?count=3&purpose=orders", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	for _, v := range decodeIDs(t, rec.Body.Bytes()) {
		id, _ := strconv.ParseUint(v.ID, 10, 64)
		e, ok := f.journal.entries[id]
		require.True(t, ok, "id %s not journaled", v.ID)
		assert.Equal(t, "orders", e.Purpose)
	}
}

func TestMint_journalErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
		reason string
	}{
		{journal.ErrDuplicateID, http.StatusConflict, "duplicate"},
		{journal.ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
		{context.DeadlineExceeded, http.StatusInternalServerError, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			f := newFixture(t, nil, withJournal())
			f.journal.err = tt.err

			rec := f.do(httptest.NewRequest("POST", "/ids", nil))
			assert.Equal(t, tt.status, rec.Code)

			rec = f.do(httptest.NewRequest("GET", "/metrics", nil))
			assert.Contains(t, rec.Body.String(), `snowgen_journal_failures_total{reason="`+tt.reason+`"} 1`)
		})
	}
}

func TestDecode(t *testing.T) {
	f := newFixture(t, nil)
	ts := int64(1_700_000_000_123)
	id := snowflake.Compose(ts, snowflake.DefaultEpochMs, 3, 4, 5)

	for _, s := range []string{strconv.FormatUint(id, 10), snowflake.FormatBase62(id)} {
		rec := f.do(httptest.NewRequest("GET", "/ids/"+s, nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var v idView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
		assert.Equal(t, strconv.FormatUint(id, 10), v.ID)
		assert.Equal(t, ts, v.TimestampMs)
		assert.True(t, time.UnixMilli(ts).Equal(v.Time))
		assert.Equal(t, uint8(3), v.PartitionID)
		assert.Equal(t, uint8(4), v.WorkerID)
		assert.Equal(t, uint16(5), v.Sequence)
	}

	rec := f.do(httptest.NewRequest("GET", "/ids/"+url.PathEscape("no!"), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoot(t *testing.T) {
	f := newFixture(t, nil)
	id := snowflake.Compose(1_700_000_000_000, snowflake.DefaultEpochMs, 3, 4, 5)

	rec := f.do(httptest.NewRequest("GET", "/?id="+strconv.FormatUint(id, 10), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "snowgen 7/11")
	assert.Contains(t, body, snowflake.FormatBase62(id))

	rec = f.do(httptest.NewRequest("GET", "/static/style.css", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil, withJournal())
	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest("GET", "/healthz", nil)).Code)

	f.journal.err = context.Canceled
	assert.Equal(t, http.StatusServiceUnavailable, f.do(httptest.NewRequest("GET", "/healthz", nil)).Code)
}

func TestAuth(t *testing.T) {
	f := newFixture(t, nil, withSigner())

	rec := f.do(httptest.NewRequest("POST", "/ids", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("POST", "/ids", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)

	bearer, _, err := f.signer.Issue("billing")
	require.NoError(t, err)

	req = httptest.NewRequest("POST", "/ids", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	// decoding stays open
	v := decodeIDs(t, rec.Body.Bytes())[0]
	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest("GET", "/ids/"+v.ID, nil)).Code)
}

func TestTokens(t *testing.T) {
	f := newFixture(t, nil, withSigner())
	bearer, _, err := f.signer.Issue("admin")
	require.NoError(t, err)

	post := func(form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/tokens", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+bearer)
		return f.do(req)
	}

	rec := post(url.Values{"sub": {"reports"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Token string `json:"token"`
		JTI   string `json:"jti"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	claims, err := f.signer.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "reports", claims.Subject)
	assert.Equal(t, resp.JTI, claims.ID)

	jti, err := snowflake.Parse(resp.JTI)
	require.NoError(t, err)
	assert.Equal(t, uint8(11), f.gen.Decompose(jti).WorkerID)

	assert.Equal(t, http.StatusBadRequest, post(url.Values{}).Code)
}

func TestTokens_disabledWithoutSigner(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(httptest.NewRequest("POST", "/tokens", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	gen, err := snowflake.New(0, 0)
	require.NoError(t, err)
	subs := broadcast.NewSet[string](1)
	h, err := NewHandler(Options{
		Generator:   gen,
		Subscribers: subs,
		Metrics:     metrics.New(gen, nil),
		Logger:      log.NewNop(),
		MaxBatch:    1,
		RateLimit:   2,
	})
	require.NoError(t, err)

	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
		codes[i] = rec.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func dialWs(t *testing.T, srv *httptest.Server, after string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ids/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.WriteJSON(map[string]string{"after": after}))
	return conn
}

func readIDs(t *testing.T, conn *websocket.Conn, n int) []string {
	t.Helper()
	var got []string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(got) < n {
		var msg idsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		for _, v := range msg.IDs {
			got = append(got, v.ID)
		}
	}
	return got
}

func mintIDs(t *testing.T, srv *httptest.Server, n int) []string {
	t.Helper()
	resp, err := http.Post(srv.URL+"/ids?count="+strconv.Itoa(n), "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg idsMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	ids := make([]string, 0, n)
	for _, v := range msg.IDs {
		ids = append(ids, v.ID)
	}
	return ids
}

func TestWs_live(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	conn := dialWs(t, srv, "")
	require.Eventually(t, func() bool { return f.subs.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	minted := mintIDs(t, srv, 3)
	assert.Equal(t, minted, readIDs(t, conn, 3))

	conn.Close()
	require.Eventually(t, func() bool { return f.subs.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWs_journalReplay(t *testing.T) {
	f := newFixture(t, nil, withJournal())
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	before := mintIDs(t, srv, 4)

	conn := dialWs(t, srv, before[0])
	assert.Equal(t, before[1:], readIDs(t, conn, 3))

	require.Eventually(t, func() bool { return f.subs.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	live := mintIDs(t, srv, 2)
	assert.Equal(t, live, readIDs(t, conn, 2))
}

func TestWs_badAfter(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	conn := dialWs(t, srv, "!!")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData), "got %v", err)
}
