package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/Windi-Fikriyansyah/escrowd/internal/middleware"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/realtime"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/agreement"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/escrow"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/inbox"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/milestone"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/reconcile"
)

type Services struct {
	Agreements *agreement.Service
	Milestones *milestone.Service
	Escrow     *escrow.Service
	Inbox      *inbox.Service
	Reconcile  *reconcile.Service
	Hub        *realtime.Hub
}

type RouterConfig struct {
	JWTSecret   string
	CORSOrigins string
	// Health reports storage reachability for /healthz; nil means always healthy.
	Health func() error
}

// NewApp builds the Fiber application with every route mounted.
func NewApp(cfg RouterConfig, svc Services) *fiber.App {
	if cfg.CORSOrigins == "" {
		cfg.CORSOrigins = "http://localhost:3000"
	}
	app := fiber.New(fiber.Config{
		ErrorHandler:          ErrorHandler,
		DisableStartupMessage: true,
	})

	app.Use(requestid.New())
	app.Use(middleware.RequestLogger())
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		ExposeHeaders:    "Content-Length",
		AllowCredentials: true,
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		if cfg.Health != nil {
			if err := cfg.Health(); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"success": false, "message": "storage unavailable"})
			}
		}
		return respond(c, fiber.StatusOK, "ok", nil)
	})

	jobH := NewJobHandler(svc.Agreements)
	milestoneH := NewMilestoneHandler(svc.Milestones)
	paymentH := NewPaymentHandler(svc.Escrow)
	notifyH := NewNotificationHandler(svc.Inbox, svc.Hub)
	adminH := NewAdminHandler(svc.Reconcile, svc.Milestones)

	api := app.Group("/api", middleware.JWTAuth(cfg.JWTSecret))

	api.Post("/jobs", middleware.RequireRoles(models.RoleEmployer), jobH.Create)
	api.Get("/jobs/:id", jobH.Get)
	api.Patch("/jobs/:id/close", jobH.Close)
	api.Patch("/jobs/:id/cancel", jobH.Cancel)
	api.Post("/jobs/:id/apply", middleware.RequireRoles(models.RoleFreelancer), jobH.Apply)
	api.Get("/jobs/:id/applications", jobH.ListApplications)
	api.Put("/jobs/:id/applications/:applicationId/status", jobH.DecideApplication)
	api.Post("/applications/:id/withdraw", jobH.WithdrawApplication)
	api.Get("/jobs/:id/counterparty", jobH.Counterparty)
	api.Get("/jobs/:id/milestones", milestoneH.ListByJob)

	api.Post("/milestones", milestoneH.Create)
	api.Get("/milestones/:id", milestoneH.Get)
	api.Patch("/milestones/:id/status", milestoneH.UpdateStatus)
	api.Delete("/milestones/:id", milestoneH.Delete)
	api.Post("/milestones/:id/submit", milestoneH.Submit)
	api.Post("/milestones/:id/review", milestoneH.Review)

	pay := api.Group("/payments")
	pay.Post("/fund-escrow", paymentH.FundEscrow)
	pay.Post("/release/:paymentId", paymentH.Release)
	pay.Post("/refund/:paymentId", paymentH.Refund)
	pay.Post("/withdraw", middleware.RequireRoles(models.RoleFreelancer), paymentH.Withdraw)
	pay.Get("/earnings", middleware.RequireRoles(models.RoleFreelancer), paymentH.Earnings)
	pay.Get("/history", paymentH.History)
	pay.Get("/escrow-balance/:jobId", paymentH.EscrowBalance)

	api.Get("/notifications", notifyH.List)
	api.Patch("/notifications/:id/read", notifyH.MarkRead)
	if svc.Hub != nil {
		api.Get("/ws/notifications", notifyH.UpgradeWebSocket, notifyH.WebSocket())
	}

	admin := api.Group("/admin", middleware.RequireRoles(models.RoleAdmin))
	admin.Get("/reconciliation", adminH.ListIssues)
	admin.Post("/reconciliation/jobs/:id", adminH.ReconcileJob)
	admin.Post("/reconciliation/issues/:id/resolve", adminH.ResolveIssue)
	admin.Post("/milestones/:id/retry-release", adminH.RetryRelease)

	return app
}
