package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keylojahq/keyloja-backend/api/controllers"
	webhookcontrollers "github.com/keylojahq/keyloja-backend/api/controllers/webhooks"
	"github.com/keylojahq/keyloja-backend/api/middleware"
	"github.com/keylojahq/keyloja-backend/internal/gateway"
	"github.com/keylojahq/keyloja-backend/internal/notifications"
	internalorders "github.com/keylojahq/keyloja-backend/internal/orders"
	"github.com/keylojahq/keyloja-backend/internal/reconcile"
	"github.com/keylojahq/keyloja-backend/internal/wallet"
	"github.com/keylojahq/keyloja-backend/pkg/config"
	"github.com/keylojahq/keyloja-backend/pkg/db"
	"github.com/keylojahq/keyloja-backend/pkg/logger"
	"github.com/keylojahq/keyloja-backend/pkg/outbox/idempotency"
	"github.com/keylojahq/keyloja-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisP redis.Pinger,
	ordersRepo *internalorders.Repository,
	ordersSvc internalorders.Service,
	walletSvc wallet.Service,
	notificationsRepo *notifications.Repository,
	gateways *gateway.Registry,
	reconcileSvc reconcile.Service,
	webhookGuard *idempotency.Manager,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisP))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/pix/{provider}", webhookcontrollers.PixWebhook(cfg.Gateway, gateways, reconcileSvc, webhookGuard, logg))
	})

	// Storefront surface. Order creation names the store in the body; the
	// remaining order operations are keyed by order id alone.
	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Post("/", controllers.CreateOrder(ordersSvc, logg))
		r.Get("/{orderId}", controllers.OrderDetail(ordersSvc, logg))
		r.Post("/{orderId}/deliver", controllers.DeliverOrder(ordersSvc, logg))
		r.Post("/{orderId}/check-payment", controllers.CheckPayment(ordersRepo, gateways, reconcileSvc, logg))
	})

	// Merchant surface, scoped by the X-Store-Id header.
	r.Group(func(r chi.Router) {
		r.Use(middleware.StoreContext(logg))

		r.Route("/api/v1/wallet", func(r chi.Router) {
			r.Get("/", controllers.WalletSummary(walletSvc, logg))
			r.Post("/withdrawals", controllers.CreateWithdrawal(walletSvc, logg))
			r.Post("/withdrawals/{withdrawalId}/approve", controllers.ApproveWithdrawal(walletSvc, logg))
			r.Post("/withdrawals/{withdrawalId}/reject", controllers.RejectWithdrawal(walletSvc, logg))
		})

		r.Route("/api/v1/notifications", func(r chi.Router) {
			r.Get("/", controllers.ListNotifications(notificationsRepo, logg))
			r.Post("/{notificationId}/read", controllers.MarkNotificationRead(notificationsRepo, logg))
			r.Post("/read-all", controllers.MarkAllNotificationsRead(notificationsRepo, logg))
		})
	})

	return r
}
