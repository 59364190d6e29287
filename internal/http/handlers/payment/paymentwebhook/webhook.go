// Package paymentwebhook HTTP-обработчик IPN-уведомлений NOWPayments.
package paymentwebhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/signals-bot/internal/http/response"
	"github.com/magabrotheeeer/signals-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signals-bot/internal/models"
	"github.com/magabrotheeeer/signals-bot/internal/services/payment"
)

// DefaultSignatureHeader заголовок, в котором NOWPayments присылает подпись.
const DefaultSignatureHeader = "x-nowpayments-sig"

// maxBodySize ограничение на размер тела уведомления.
const maxBodySize = 64 << 10

// Service обрабатывает уведомление по исходным байтам тела.
type Service interface {
	Handle(ctx context.Context, rawBody []byte, signature string) (payment.Result, error)
}

// Handler принимает уведомления о платежах.
type Handler struct {
	log             *slog.Logger
	service         Service
	signatureHeader string
}

// New создает Handler. Пустой signatureHeader заменяется на DefaultSignatureHeader.
func New(log *slog.Logger, service Service, signatureHeader string) *Handler {
	if signatureHeader == "" {
		signatureHeader = DefaultSignatureHeader
	}
	return &Handler{
		log:             log,
		service:         service,
		signatureHeader: signatureHeader,
	}
}

// ServeHTTP godoc
// @Summary Уведомление о платеже
// @Description Принимает IPN-уведомление NOWPayments. Подпись проверяется по исходному телу запроса.
// @Description Любое обработанное уведомление (включая отклонённые и проигнорированные) подтверждается кодом 200.
// @Tags Payments
// @Accept  json
// @Produce  json
// @Param x-nowpayments-sig header string true "HMAC-SHA512 подпись тела"
// @Success 200 {object} response.Response "Уведомление обработано"
// @Failure 400 {object} response.ErrorResponse "Некорректное тело"
// @Failure 401 {object} response.ErrorResponse "Неверная подпись"
// @Failure 500 {object} response.ErrorResponse "Ошибка хранилища"
// @Router /payments/webhook [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.webhook"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		log.Error("failed to read webhook body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}

	result, err := h.service.Handle(r.Context(), body, r.Header.Get(h.signatureHeader))
	if err != nil {
		var validationErrs validator.ValidationErrors
		switch {
		case errors.Is(err, models.ErrAuthentication):
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.Error("invalid signature"))
		case errors.As(err, &validationErrs):
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.ValidationError(validationErrs))
		case errors.Is(err, payment.ErrMalformedNotification):
			log.Warn("malformed notification", sl.Err(err))
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("malformed notification"))
		default:
			log.Error("failed to process notification", sl.Err(err))
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.Error("internal error"))
		}
		return
	}

	log.Info("webhook processed", slog.String("outcome", string(result.Outcome)), sl.SubID(result.SubscriptionID))
	render.JSON(w, r, response.StatusOKWithData(result))
}
