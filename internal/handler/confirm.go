package handler

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/orderbridge/internal/domain/order"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type confirmView struct {
	Order      *order.Order
	HasEmail   bool
	ProcessURL string
}

type resultView struct {
	Success bool
	Title   string
	Message string
	Detail  string
}

func (h *Handler) confirmPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "order_id")

	o, err := h.orders.Pending(ctx, id)
	if err != nil {
		status, view := mapConfirmError(err)
		h.renderResult(w, r, status, view)
		return
	}
	h.render(w, r, http.StatusOK, "confirm.html", confirmView{
		Order:      o,
		HasEmail:   o.HasEmail(),
		ProcessURL: "/procesar-confirmacion/" + url.PathEscape(o.ID),
	})
}

func (h *Handler) processConfirmation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "order_id")

	result, err := h.orders.Confirm(ctx, id)
	if err != nil {
		status, view := mapConfirmError(err)
		if status >= http.StatusInternalServerError {
			zctx.From(ctx).Error("Confirmation failed",
				zap.String("order_id", id),
				zap.Error(err),
			)
		}
		h.renderResult(w, r, status, view)
		return
	}
	h.renderResult(w, r, http.StatusOK, resultView{
		Success: true,
		Title:   "Pedido confirmado",
		Message: "Se enviaron las instrucciones de pago a " + result.Order.Email + ".",
		Detail:  "Pedido " + result.Order.DisplayNumber() + " marcado como procesado.",
	})
}

// mapConfirmError converts workflow errors to status codes and result pages.
func mapConfirmError(err error) (int, resultView) {
	switch {
	case errors.Is(err, order.ErrNotPending):
		return http.StatusNotFound, resultView{
			Title:   "Pedido no encontrado",
			Message: "El pedido no está pendiente de confirmación o ya fue procesado.",
		}
	case errors.Is(err, order.ErrMissingEmail):
		return http.StatusBadRequest, resultView{
			Title:   "Falta el correo del cliente",
			Message: "El pedido no tiene un correo electrónico válido.",
			Detail:  "El pedido sigue pendiente. Se podrá confirmar cuando llegue una actualización con el correo.",
		}
	case errors.Is(err, order.ErrMailFailed):
		return http.StatusBadGateway, resultView{
			Title:   "No se pudo enviar el correo",
			Message: "El servidor de correo rechazó el envío.",
			Detail:  "El pedido sigue pendiente. Vuelve a abrir este enlace para reintentar.",
		}
	default:
		return http.StatusInternalServerError, resultView{
			Title:   "Error interno",
			Message: "No se pudo completar la operación.",
		}
	}
}

func (h *Handler) renderResult(w http.ResponseWriter, r *http.Request, status int, view resultView) {
	h.render(w, r, status, "result.html", view)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		zctx.From(r.Context()).Error("Failed to render page",
			zap.String("template", name),
			zap.Error(err),
		)
		http.Error(w, "Error interno", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
