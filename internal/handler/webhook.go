package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/orderbridge/internal/domain/order"
)

const maxWebhookBody = 1 << 20

type intakeResponse struct {
	Message    string          `json:"message"`
	OrderID    string          `json:"order_id"`
	Outcome    order.Outcome   `json:"resultado"`
	Deliveries map[string]bool `json:"resultados,omitempty"`
}

var outcomeMessages = map[order.Outcome]string{
	order.OutcomeNotified:         "Notificación enviada a los administradores",
	order.OutcomeAlreadyPending:   "Pedido ya pendiente de confirmación",
	order.OutcomeAlreadyProcessed: "Pedido ya procesado",
	order.OutcomeStale:            "Pedido con más de 24 horas, no procesado",
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil || payload == nil {
		zctx.From(ctx).Warn("Rejected webhook body", zap.Error(err))
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "Cuerpo JSON inválido"})
		return
	}

	result, err := h.orders.Intake(ctx, order.IntakeRequest{
		Payload: payload,
		BaseURL: h.baseURL(r),
	})
	if err != nil {
		status, resp := mapIntakeError(err)
		if status >= http.StatusInternalServerError {
			zctx.From(ctx).Error("Webhook intake failed", zap.Error(err))
		}
		writeJSON(ctx, w, status, resp)
		return
	}

	resp := intakeResponse{
		Message:    outcomeMessages[result.Outcome],
		OrderID:    result.Order.ID,
		Outcome:    result.Outcome,
		Deliveries: result.Deliveries,
	}
	if result.Outcome == order.OutcomeNotified && !result.Delivered() {
		resp.Message = "No se pudo notificar a ningún administrador"
		writeJSON(ctx, w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(ctx, w, http.StatusOK, resp)
}

// mapIntakeError converts workflow errors to status codes and bodies.
func mapIntakeError(err error) (int, errorResponse) {
	if errors.Is(err, order.ErrMissingOrderID) {
		return http.StatusBadRequest, errorResponse{Error: "El pedido no tiene identificador"}
	}
	return http.StatusInternalServerError, errorResponse{Error: "Error interno al registrar el pedido"}
}

type testResponse struct {
	Message    string          `json:"message"`
	Deliveries map[string]bool `json:"resultados"`
}

func (h *Handler) testRecipients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(ctx, w, http.StatusOK, testResponse{
		Message:    "Mensaje de prueba enviado",
		Deliveries: h.orders.TestRecipients(ctx),
	})
}

type statusResponse struct {
	Status     string   `json:"status"`
	Recipients []string `json:"destinatarios"`
	Pending    int      `json:"pendientes"`
	Processed  int      `json:"procesados"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := h.orders.Status(ctx)
	if err != nil {
		zctx.From(ctx).Error("Status lookup failed", zap.Error(err))
		writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "Error interno"})
		return
	}
	recipients := st.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	writeJSON(ctx, w, http.StatusOK, statusResponse{
		Status:     "activo",
		Recipients: recipients,
		Pending:    st.Counts.Pending,
		Processed:  st.Counts.Processed,
	})
}
