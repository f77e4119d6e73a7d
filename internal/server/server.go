package server

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"sohio.net/snowgen/internal/broadcast"
	"sohio.net/snowgen/internal/journal"
	"sohio.net/snowgen/internal/log"
	"sohio.net/snowgen/internal/metrics"
	"sohio.net/snowgen/internal/snowflake"
	"sohio.net/snowgen/internal/token"
)

//go:embed templates/index.html
var indexHTML string

//go:embed static
var assets embed.FS

var index = template.Must(template.New("index").Parse(indexHTML))

// Minter is satisfied by *snowflake.Generator.
type Minter interface {
	NextID() (uint64, error)
	Config() snowflake.Config
	Stats() snowflake.Stats
}

// Recorder is satisfied by *journal.Journal.
type Recorder interface {
	Record(ctx context.Context, purpose string, ids ...uint64) error
	After(ctx context.Context, after uint64, limit int) ([]journal.Entry, error)
	Ping(ctx context.Context) error
}

type Options struct {
	Generator   Minter
	Journal     Recorder
	Signer      *token.Signer
	Subscribers *broadcast.Set[string]
	Metrics     *metrics.Metrics
	Logger      *log.Logger

	MaxBatch  int
	RateLimit int
}

type idHandler struct {
	*http.ServeMux

	gen     Minter
	journal Recorder
	signer  *token.Signer
	subs    *broadcast.Set[string]
	metrics *metrics.Metrics
	logger  *log.Logger

	maxBatch int
}

// NewHandler routes the id API. Journal and Signer are optional: without a
// journal minted ids are only broadcast locally, without a signer minting is
// unauthenticated and token issuance is disabled.
func NewHandler(o Options) (http.Handler, error) {
	if o.Generator == nil || o.Subscribers == nil || o.Metrics == nil || o.Logger == nil {
		return nil, errors.New("server: generator, subscribers, metrics and logger are required")
	}
	if o.MaxBatch < 1 {
		o.MaxBatch = 1
	}

	h := &idHandler{
		ServeMux: http.NewServeMux(),
		gen:      o.Generator,
		journal:  o.Journal,
		signer:   o.Signer,
		subs:     o.Subscribers,
		metrics:  o.Metrics,
		logger:   o.Logger.Named("server"),
		maxBatch: o.MaxBatch,
	}

	mint := http.Handler(http.HandlerFunc(h.serveMint))
	if h.signer != nil {
		mint = h.requireToken(mint)
		h.Handle("POST /tokens", h.requireToken(http.HandlerFunc(h.serveToken)))
	}

	h.HandleFunc("GET /{$}", h.serveRoot)
	h.Handle("GET /static/", http.FileServerFS(assets))
	h.Handle("POST /ids", mint)
	h.HandleFunc("GET /ids/{id}", h.serveDecode)
	h.HandleFunc("GET /ids/ws", h.serveWs)
	h.HandleFunc("GET /healthz", h.serveHealth)
	h.Handle("GET /metrics", h.metrics.Handler())

	if o.RateLimit <= 0 {
		return h, nil
	}
	return httprate.Limit(o.RateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))(h), nil
}

func (h *idHandler) serveRoot(w http.ResponseWriter, r *http.Request) {
	cfg := h.gen.Config()
	data := struct {
		Config  snowflake.Config
		Epoch   time.Time
		Stats   snowflake.Stats
		Journal bool
		Auth    bool
		Query   string
		Decoded *idView
		Error   string
	}{
		Config:  cfg,
		Epoch:   time.UnixMilli(cfg.EpochMs).UTC(),
		Stats:   h.gen.Stats(),
		Journal: h.journal != nil,
		Auth:    h.signer != nil,
		Query:   r.URL.Query().Get("id"),
	}

	if data.Query != "" {
		if id, err := snowflake.Parse(data.Query); err != nil {
			data.Error = err.Error()
		} else {
			v := h.view(id)
			data.Decoded = &v
		}
	}

	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	if err := index.Execute(w, data); err != nil {
		h.logger.Warnw("rendering index", zap.Error(err))
	}
}

func (h *idHandler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if h.journal != nil {
		if err := h.journal.Ping(r.Context()); err != nil {
			h.logger.Errorw("journal health check failed", zap.Error(err))
			http.Error(w, "journal unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Write([]byte("OK"))
}

// idError answers a failed NextID. A clock regression is logged with its
// magnitude; nothing was issued, so the client may retry elsewhere.
func (h *idHandler) idError(w http.ResponseWriter, err error) {
	var te *snowflake.TimingError
	if errors.As(err, &te) {
		h.logger.Errorw("refusing to issue ids", "backward_ms", te.BackwardMs, zap.Error(err))
		w.Header().Set("Retry-After", strconv.FormatInt((te.BackwardMs+999)/1000, 10))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.logger.Errorw("issuing id", zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
