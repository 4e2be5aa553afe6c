package notifyhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/dmitrymomot/notikit/pkg/notifications"
	"github.com/dmitrymomot/notikit/pkg/requestid"
)

// RecipientHeader is read by the default RecipientResolver.
const RecipientHeader = "X-Recipient-ID"

// Service is the part of *notifications.Manager served over HTTP.
type Service interface {
	Create(ctx context.Context, recipientID string, category notifications.Category, title, message string, opts ...notifications.CreateOption) (notifications.Result, error)
	CreateBulk(ctx context.Context, items []notifications.BulkItem) (int, error)
	List(ctx context.Context, recipientID string, opts notifications.ListOptions) ([]notifications.Notification, error)
	CountUnread(ctx context.Context, recipientID string) (int, error)
	MarkRead(ctx context.Context, recipientID, id string) error
	MarkAllRead(ctx context.Context, recipientID string) (int, error)
	Archive(ctx context.Context, recipientID, id string) error
	Delete(ctx context.Context, recipientID, id string) error
	ClearAll(ctx context.Context, recipientID string) (int, error)
	GetPreferences(ctx context.Context, recipientID string) notifications.Preferences
	UpdatePreferences(ctx context.Context, recipientID string, update notifications.PreferencesUpdate) (notifications.Preferences, error)
}

// Subscriber is the part of *notifications.Hub used by the live streams.
type Subscriber interface {
	Subscribe(ctx context.Context, recipientID string, fn func(notifications.Event)) (*notifications.Subscription, error)
}

// RecipientResolver extracts the authenticated recipient from a request.
type RecipientResolver func(r *http.Request) (string, error)

// HeaderRecipient trusts the X-Recipient-ID header. Put it behind a gateway
// that authenticates the caller and sets the header.
func HeaderRecipient(r *http.Request) (string, error) {
	if id := r.Header.Get(RecipientHeader); id != "" {
		return id, nil
	}
	return "", ErrMissingRecipient
}

// Handler serves the notification API and the live streams.
type Handler struct {
	router       chi.Router
	svc          Service
	hub          Subscriber
	resolve      RecipientResolver
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	streamBuffer int
	maxPageSize  int

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	streams sync.WaitGroup
}

// Option configures a Handler.
type Option func(*Handler)

// WithRecipientResolver replaces the header based recipient lookup.
func WithRecipientResolver(fn RecipientResolver) Option {
	return func(h *Handler) {
		if fn != nil {
			h.resolve = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithPingInterval sets the keep-alive period of SSE and WebSocket streams. Default is 30s.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithStreamBuffer sets how many events a stream queues before dropping. Default is 32.
func WithStreamBuffer(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.streamBuffer = n
		}
	}
}

// WithMaxPageSize caps the limit query parameter of list requests. Default is 100.
func WithMaxPageSize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxPageSize = n
		}
	}
}

// WithCheckOrigin sets the WebSocket origin policy. By default only
// same-origin upgrades are accepted.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = fn
	}
}

// New builds the router. hub may be nil, which disables /stream and /ws.
func New(svc Service, hub Subscriber, opts ...Option) *Handler {
	h := &Handler{
		svc:          svc,
		hub:          hub,
		resolve:      HeaderRecipient,
		logger:       slog.Default(),
		pingInterval: 30 * time.Second,
		streamBuffer: 32,
		maxPageSize:  100,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.router = h.routes()
	return h
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(middleware.Recoverer)

	r.Post("/notifications", h.create)
	r.Post("/notifications/bulk", h.createBulk)

	r.Group(func(r chi.Router) {
		r.Use(h.requireRecipient)

		r.Get("/notifications", h.list)
		r.Delete("/notifications", h.clearAll)
		r.Get("/notifications/unread-count", h.unreadCount)
		r.Post("/notifications/read-all", h.markAllRead)
		r.Post("/notifications/{id}/read", h.markRead)
		r.Post("/notifications/{id}/archive", h.archive)
		r.Delete("/notifications/{id}", h.delete)

		r.Get("/preferences", h.getPreferences)
		r.Patch("/preferences", h.updatePreferences)

		if h.hub != nil {
			r.Get("/stream", h.sse)
			r.Get("/ws", h.ws)
		}
	})

	return r
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Close ends every open stream and waits for their handlers to return.
// Register it with httpserver.WithShutdownHook: the server does not wait
// for hijacked or streaming connections.
func (h *Handler) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
	h.mu.Unlock()
	h.streams.Wait()
}

// track registers a stream. It fails once Close has been called.
func (h *Handler) track() (release func(), ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.streams.Add(1)
	return h.streams.Done, true
}

type recipientKey struct{}

func (h *Handler) requireRecipient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.resolve(r)
		if err != nil && !errors.Is(err, ErrMissingRecipient) {
			err = fmt.Errorf("%w: %v", ErrMissingRecipient, err)
		}
		if err == nil && id == "" {
			err = ErrMissingRecipient
		}
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), recipientKey{}, id)))
	})
}

func recipientFrom(ctx context.Context) string {
	id, _ := ctx.Value(recipientKey{}).(string)
	return id
}
