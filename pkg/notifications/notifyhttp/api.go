package notifyhttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/notikit/pkg/logger"
	"github.com/dmitrymomot/notikit/pkg/notifications"
)

const maxBodySize = 1 << 20

type listResponse struct {
	Items  []notifications.Notification `json:"items"`
	Limit  int                          `json:"limit"`
	Offset int                          `json:"offset"`
}

type countResponse struct {
	Count int `json:"count"`
}

type bulkResponse struct {
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

type createRequest struct {
	RecipientID string                 `json:"recipient_id"`
	Category    notifications.Category `json:"category"`
	Priority    notifications.Priority `json:"priority,omitempty"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	ActionURL   string                 `json:"action_url,omitempty"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
}

type bulkRequest struct {
	Items []notifications.BulkItem `json:"items"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	var opts []notifications.CreateOption
	if req.Priority != "" {
		opts = append(opts, notifications.WithPriority(req.Priority))
	}
	if req.ActionURL != "" {
		opts = append(opts, notifications.WithActionURL(req.ActionURL))
	}
	if len(req.Metadata) > 0 {
		opts = append(opts, notifications.WithMetadata(req.Metadata))
	}
	if req.ExpiresAt != nil {
		opts = append(opts, notifications.WithExpiresAt(*req.ExpiresAt))
	}

	res, err := h.svc.Create(r.Context(), req.RecipientID, req.Category, req.Title, req.Message, opts...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	switch res.Status {
	case notifications.StatusDelivered:
		status = http.StatusCreated
	case notifications.StatusQueued:
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (h *Handler) createBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	count, err := h.svc.CreateBulk(r.Context(), req.Items)
	if err != nil {
		h.logger.LogAttrs(r.Context(), slog.LevelError, "bulk create finished with errors",
			logger.Count(count),
			logger.Error(err),
		)
		writeJSON(w, http.StatusMultiStatus, bulkResponse{Count: count, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, bulkResponse{Count: count})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	opts, err := h.listOptions(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items, err := h.svc.List(r.Context(), recipientFrom(r.Context()), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []notifications.Notification{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Limit: opts.Limit, Offset: opts.Offset})
}

func (h *Handler) unreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.svc.CountUnread(r.Context(), recipientFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: count})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.svc.MarkRead(r.Context(), recipientFrom(r.Context()), chi.URLParam(r, "id")))
}

func (h *Handler) archive(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.svc.Archive(r.Context(), recipientFrom(r.Context()), chi.URLParam(r, "id")))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.svc.Delete(r.Context(), recipientFrom(r.Context()), chi.URLParam(r, "id")))
}

func (h *Handler) markAllRead(w http.ResponseWriter, r *http.Request) {
	count, err := h.svc.MarkAllRead(r.Context(), recipientFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: count})
}

func (h *Handler) clearAll(w http.ResponseWriter, r *http.Request) {
	count, err := h.svc.ClearAll(r.Context(), recipientFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: count})
}

func (h *Handler) getPreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetPreferences(r.Context(), recipientFrom(r.Context())))
}

func (h *Handler) updatePreferences(w http.ResponseWriter, r *http.Request) {
	var update notifications.PreferencesUpdate
	if err := decode(r, &update); err != nil {
		h.writeError(w, r, err)
		return
	}

	prefs, err := h.svc.UpdatePreferences(r.Context(), recipientFrom(r.Context()), update)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (h *Handler) noContent(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listOptions parses unread, category, archived, limit and offset.
func (h *Handler) listOptions(r *http.Request) (notifications.ListOptions, error) {
	q := r.URL.Query()
	opts := notifications.ListOptions{
		Category: notifications.Category(q.Get("category")),
		Limit:    h.maxPageSize,
	}
	if opts.Category != "" && !opts.Category.Valid() {
		return opts, fmt.Errorf("%w: unknown category %q", ErrInvalidQuery, opts.Category)
	}

	var err error
	if opts.UnreadOnly, err = boolParam(q.Get("unread")); err != nil {
		return opts, err
	}
	if opts.IncludeArchived, err = boolParam(q.Get("archived")); err != nil {
		return opts, err
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return opts, fmt.Errorf("%w: limit must be a positive integer", ErrInvalidQuery)
		}
		opts.Limit = min(limit, h.maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return opts, fmt.Errorf("%w: offset must be a non-negative integer", ErrInvalidQuery)
		}
		opts.Offset = offset
	}
	return opts, nil
}

func boolParam(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %q is not a boolean", ErrInvalidQuery, v)
	}
	return b, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", ErrInvalidBody)
		}
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return nil
}
