package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jhoicas/timbrado-cfdi/pkg/jwt"
)

// RouterDeps dependencias para el router.
type RouterDeps struct {
	Stamping    stamper
	Documents   documentWriter // nil: los comprobantes llegan por otro medio
	Credentials credentialManager
	Gatherer    prometheus.Gatherer // nil: sin /metrics
	JWTSecret   string
}

// Router registra las rutas de la API.
func Router(app *fiber.App, deps RouterDeps) {
	if deps.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := app.Group("/api")

	// Rutas protegidas (requieren Bearer Token)
	protected := api.Group("/", AuthMiddleware(deps.JWTSecret))
	issuers := RequireRole(jwt.RoleAdmin, jwt.RoleFacturista)
	readers := RequireRole(jwt.RoleAdmin, jwt.RoleFacturista, jwt.RoleConsulta)

	// Documents: timbrado y cancelación
	documents := protected.Group("/documents")
	stampingHandler := NewStampingHandler(deps.Stamping, deps.Documents)
	if deps.Documents != nil {
		documents.Put("/:id", issuers, stampingHandler.PutDocument)
	}
	documents.Post("/:id/stamp", issuers, stampingHandler.Stamp)
	documents.Post("/:id/cancel", issuers, stampingHandler.Cancel)
	documents.Get("/:id/stamping", readers, stampingHandler.Status)

	// Credentials: CSD por RFC emisor (solo admin)
	creds := protected.Group("/credentials", RequireRole(jwt.RoleAdmin))
	credentialHandler := NewCredentialHandler(deps.Credentials)
	creds.Post("/:taxId", credentialHandler.Register)
	creds.Put("/:taxId", credentialHandler.Replace)
	creds.Get("/:taxId", credentialHandler.Get)
	creds.Get("/:taxId/remote", credentialHandler.RemoteStatus)
	creds.Post("/:taxId/sync", credentialHandler.Sync)
}
