package checkout

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paylink-checkout/internal/common"
	"github.com/noah-isme/paylink-checkout/internal/qr"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handler exposes payment sessions to the storefront.
type Handler struct {
	Registry    *Registry
	MaxQuantity int
	QRSize      int
	Heartbeat   time.Duration
	Logger      zerolog.Logger
	// CreateMiddlewares wrap session creation only, e.g. rate limiting and idempotency.
	CreateMiddlewares []func(http.Handler) http.Handler
}

type createSessionRequest struct {
	Quantity    int    `json:"quantity" validate:"required,gte=1"`
	Description string `json:"description" validate:"max=140"`
}

// Routes mounts the session endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.With(h.CreateMiddlewares...).Post("/", h.CreateSession)
	r.Route("/{sessionID}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Get("/qr.png", h.SessionQR)
		r.Get("/events", h.SessionEvents)
		r.Delete("/", h.DeleteSession)
	})
}

// CreateSession confirms a new order and returns the creating snapshot.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var payload createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.validateCreate(payload); err != nil {
		h.writeError(w, err)
		return
	}
	ctrl, err := h.Registry.Start(payload.Quantity, payload.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}
	snapshot := ctrl.Snapshot()
	w.Header().Set("Location", "/api/v1/checkout/sessions/"+snapshot.ID)
	common.Data(w, http.StatusAccepted, snapshot)
}

// GetSession returns the latest snapshot.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	common.Data(w, http.StatusOK, ctrl.Snapshot())
}

// SessionQR renders the payment link as a PNG.
func (h *Handler) SessionQR(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	link := ctrl.Snapshot().PaymentLink()
	if link == "" {
		common.JSONError(w, http.StatusNotFound, "NOT_READY", "payment link not available yet", nil)
		return
	}
	size := h.QRSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 64 && v <= 1024 {
			size = v
		}
	}
	img, err := qr.Encode(link, size)
	if err != nil {
		h.Logger.Error().Err(err).Msg("checkout_qr_encode_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "could not render QR code", nil)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

// SessionEvents streams snapshots as server-sent events. The current snapshot is sent first;
// the stream ends after the terminal snapshot.
func (h *Handler) SessionEvents(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported", nil)
		return
	}

	updates := make(chan Session, 16)
	unsubscribe := ctrl.Subscribe(func(s Session) {
		select {
		case updates <- s:
		default:
			// slow reader; the next snapshot supersedes this one
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	current := ctrl.Snapshot()
	if err := writeEvent(w, current); err != nil {
		return
	}
	flusher.Flush()
	lastSeq := current.Seq
	if current.Phase.Terminal() {
		return
	}

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	send := func(s Session) bool {
		if s.ID != current.ID || s.Seq <= lastSeq {
			return true
		}
		if err := writeEvent(w, s); err != nil {
			return false
		}
		flusher.Flush()
		lastSeq = s.Seq
		return true
	}

	done := ctrl.Done()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case s := <-updates:
			if !send(s) || s.Phase.Terminal() {
				return
			}
		case <-done:
			// the terminal snapshot may have been dropped by a full buffer
			for drained := false; !drained; {
				select {
				case s := <-updates:
					if !send(s) {
						return
					}
				default:
					drained = true
				}
			}
			send(ctrl.Snapshot())
			return
		}
	}
}

// DeleteSession aborts and discards the session.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := h.Registry.Discard(id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*Controller, bool) {
	ctrl, err := h.Registry.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return ctrl, true
}

func (h *Handler) validateCreate(payload createSessionRequest) error {
	if err := validate.Struct(payload); err != nil {
		var fieldErrs validator.ValidationErrors
		details := map[string]string{}
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				details[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return common.ValidationError("invalid session request", details, err)
	}
	if h.MaxQuantity > 0 && payload.Quantity > h.MaxQuantity {
		return common.ValidationError("invalid session request", map[string]string{"quantity": fmt.Sprintf("lte=%d", h.MaxQuantity)}, nil)
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if appErr, ok := common.AsAppError(err); ok {
		common.WriteAppError(w, appErr)
		return
	}
	switch {
	case errors.Is(err, ErrSessionNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "session not found", nil)
	case errors.Is(err, ErrInvalidQuantity):
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	case IsInvalidState(err):
		common.JSONError(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	default:
		h.Logger.Error().Err(err).Msg("checkout_request_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}

func writeEvent(w http.ResponseWriter, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", s.Seq, s.Phase, data)
	return err
}
