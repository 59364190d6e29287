// Package bot собирает основной процесс: Telegram-бот и HTTP-сервер вебхука.
package bot

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/signals-bot/internal/http/handlers/health"
	"github.com/magabrotheeeer/signals-bot/internal/http/handlers/payment/paymentwebhook"
	"github.com/magabrotheeeer/signals-bot/internal/http/middlewarectx"
)

// RouteDeps обработчики, которые регистрирует RegisterRoutes.
type RouteDeps struct {
	Payments        paymentwebhook.Service
	DB              health.Pinger
	SignatureHeader string
	WebhookRPS      float64
	WebhookBurst    int
}

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, deps RouteDeps) {
	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
	)

	r.Route("/api/v1", func(r chi.Router) {
		// Webhook endpoint (без аутентификации, подлинность проверяется подписью)
		r.With(middlewarectx.RateLimitMiddleware(logger, rate.NewLimiter(rate.Limit(deps.WebhookRPS), deps.WebhookBurst))).
			Post("/payments/webhook", paymentwebhook.New(logger, deps.Payments, deps.SignatureHeader).ServeHTTP)
	})

	r.Get("/health", health.New(logger, deps.DB).ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
	// Swagger docs endpoint
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
