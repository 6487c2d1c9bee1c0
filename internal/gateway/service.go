package gateway

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"chatgw/internal/admission"
	"chatgw/internal/billing"
	"chatgw/internal/history"
	"chatgw/internal/idempotency"
	"chatgw/internal/metrics"
	"chatgw/internal/providers/registry"
	"chatgw/internal/storage"
)

type Config struct {
	Admission      *admission.Controller
	Cache          idempotency.Cache
	Resolver       *registry.Resolver
	Store          *storage.Store
	Recorder       *history.Recorder
	Usage          *billing.Reporter
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
	StreamTimeout  time.Duration
	PersistEnabled bool
}

// Service owns the request pipeline: admission, idempotency, provider
// dispatch, stream transcoding, and the persistence/billing side channel.
type Service struct {
	admission     *admission.Controller
	cache         idempotency.Cache
	resolver      *registry.Resolver
	store         *storage.Store
	recorder      *history.Recorder
	usage         *billing.Reporter
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	streamTimeout time.Duration
	persist       bool
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 300 * time.Second
	}
	return &Service{
		admission:     cfg.Admission,
		cache:         cfg.Cache,
		resolver:      cfg.Resolver,
		store:         cfg.Store,
		recorder:      cfg.Recorder,
		usage:         cfg.Usage,
		metrics:       m,
		logger:        cfg.Logger,
		streamTimeout: cfg.StreamTimeout,
		persist:       cfg.PersistEnabled && cfg.Recorder != nil,
	}
}

func (s *Service) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/messages", RequestID(http.HandlerFunc(s.handleMessages)))
	mux.Handle("POST /v1/chat/completions", RequestID(http.HandlerFunc(s.handleChatCompletions)))
	mux.Handle("GET /v1/conversations", RequestID(http.HandlerFunc(s.handleListConversations)))
	mux.Handle("GET /v1/conversations/{id}", RequestID(http.HandlerFunc(s.handleGetConversation)))
	mux.Handle("PATCH /v1/conversations/{id}", RequestID(http.HandlerFunc(s.handleUpdateConversation)))
	mux.Handle("DELETE /v1/conversations/{id}", RequestID(http.HandlerFunc(s.handleDeleteConversation)))
}
