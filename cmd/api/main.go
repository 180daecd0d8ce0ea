package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jhoicas/timbrado-cfdi/internal/application/credentials"
	"github.com/jhoicas/timbrado-cfdi/internal/application/stamping"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/repository"
	infracfdi "github.com/jhoicas/timbrado-cfdi/internal/infrastructure/cfdi"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/cfdi/signer"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/memory"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/pac"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/postgres"
	infraredis "github.com/jhoicas/timbrado-cfdi/internal/infrastructure/redis"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/vault"
	httpRouter "github.com/jhoicas/timbrado-cfdi/internal/interfaces/http"
	"github.com/jhoicas/timbrado-cfdi/pkg/config"
	"github.com/jhoicas/timbrado-cfdi/pkg/logger"
)

// documentStore lectura para el orquestador y carga desde la API.
type documentStore interface {
	repository.FiscalDocumentRepository
	Save(ctx context.Context, doc *entity.FiscalDocument) error
}

// stores repositorios de timbrado; en modo dev viven en memoria.
type stores struct {
	documents   documentStore
	records     repository.StampingRepository
	stamps      repository.FiscalStampRepository
	tx          repository.StampingTxRunner
	credentials repository.CredentialRepository
	close       func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("cargar configuración: " + err.Error())
	}

	log := logger.New(logger.Config{
		Env:   cfg.App.Env,
		Level: cfg.App.LogLevel,
	})
	log.Info().
		Str("env", cfg.App.Env).
		Str("app", cfg.App.Name).
		Str("pac_env", cfg.PAC.Env).
		Msg("iniciando aplicación")

	ctx := context.Background()

	// Cadena original: artefactos embebidos o directorio externo (con recarga en caliente opcional)
	var transforms *infracfdi.TransformRegistry
	if cfg.Transform.Dir != "" {
		transforms = infracfdi.NewTransformRegistryFromDir(cfg.Transform.Dir, cfg.Transform.HotReload)
	} else {
		transforms = infracfdi.NewTransformRegistry(infracfdi.DefaultTransforms())
	}
	if versions, err := transforms.Versions(); err != nil {
		log.Fatal().Err(err).Msg("leer transformaciones de cadena original")
	} else {
		log.Info().Strs("versions", versions).Msg("transformaciones disponibles")
	}
	xmlBuilder := infracfdi.NewXMLBuilderService()
	canonicalizer := infracfdi.NewCanonicalizer(transforms, xmlBuilder)
	signerSvc := signer.NewDigitalSignatureService(canonicalizer, xmlBuilder)

	// PAC: en "dev" una autoridad en memoria; en "test"/"prod" el WS SOAP del proveedor
	var authority pac.Authority
	if cfg.PAC.Env == pac.EnvDev {
		sandbox, err := pac.NewSandbox(canonicalizer)
		if err != nil {
			log.Fatal().Err(err).Msg("crear PAC de pruebas")
		}
		authority = sandbox
	} else {
		client, err := pac.NewSOAPClient(pac.ClientConfig{
			Env:      cfg.PAC.Env,
			BaseURL:  cfg.PAC.BaseURL,
			Username: cfg.PAC.Username,
			Password: cfg.PAC.Password,
			Timeout:  cfg.PAC.Timeout,
		}, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("crear cliente del PAC")
		}
		authority = client
	}

	passVault := openVault(cfg, log)
	st := openStores(ctx, cfg, log)
	defer st.close()

	// Bloqueo por comprobante: Redis si hay varias réplicas, si no en proceso
	var locker stamping.DocumentLocker
	redisClient, err := infraredis.New(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("conexión a Redis")
	}
	if redisClient != nil {
		defer redisClient.Close()
		locker = infraredis.NewLocker(redisClient.Client, cfg.Stamping.LockTTL)
		log.Info().Msg("bloqueo por comprobante en Redis")
	}

	credentialUC := credentials.NewUseCase(st.credentials, passVault,
		credentials.WithRegistrar(authority, cfg.PAC.Timeout),
		credentials.WithStoreTimeout(cfg.CSD.StoreTimeout),
		credentials.WithLogger(log.Component("credentials")),
	)

	metrics := stamping.NewMetrics(prometheus.DefaultRegisterer)
	orchestrator, err := stamping.NewOrchestrator(stamping.Dependencies{
		Documents:   st.documents,
		Records:     st.records,
		Stamps:      st.stamps,
		Tx:          st.tx,
		Credentials: credentialUC,
		Signer:      signerSvc,
		Fingerprint: xmlBuilder,
		Authority:   authority,
		Locker:      locker,
	},
		stamping.WithRetryPolicy(stamping.PolicyFromConfig(cfg.Stamping)),
		stamping.WithCallTimeout(cfg.Stamping.CallTimeout),
		stamping.WithMetrics(metrics),
		stamping.WithLogger(log.Component("stamping")),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("crear orquestador de timbrado")
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.App.Name,
		ReadTimeout:  time.Second * 10,
		WriteTimeout: cfg.Stamping.CallTimeout + 30*time.Second,
		IdleTimeout:  time.Second * 60,
		BodyLimit:    1 << 20,
	})
	app.Use(recover.New())

	// Swagger UI en local: http://localhost:<port>/docs
	app.Use(swagger.New(swagger.Config{
		BasePath: "/",
		FilePath: "./docs/swagger.json",
		Path:     "docs",
		Title:    "Timbrado CFDI API",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		if redisClient != nil {
			if err := redisClient.Health(c.Context()); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "redis": err.Error()})
			}
		}
		return c.JSON(fiber.Map{"status": "ok", "service": cfg.App.Name, "pac_env": cfg.PAC.Env})
	})

	httpRouter.Router(app, httpRouter.RouterDeps{
		Stamping:    orchestrator,
		Documents:   st.documents,
		Credentials: credentialUC,
		Gatherer:    prometheus.DefaultGatherer,
		JWTSecret:   cfg.JWT.Secret,
	})

	go func() {
		if err := app.Listen(cfg.HTTP.Addr()); err != nil {
			log.Error().Err(err).Msg("servidor HTTP finalizado")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("señal de apagado recibida, cerrando servidor...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("apagado del servidor")
	}

	log.Info().Msg("aplicación detenida")
}

// openVault llave para sellar contraseñas de CSD. Sin CSD_VAULT_KEY solo se permite en dev.
func openVault(cfg *config.Config, log *logger.Logger) *vault.PassphraseVault {
	if cfg.CSD.VaultKey != "" {
		v, err := vault.New(cfg.CSD.VaultKey)
		if err != nil {
			log.Fatal().Err(err).Msg("CSD_VAULT_KEY inválida")
		}
		return v
	}
	if cfg.PAC.Env != pac.EnvDev {
		log.Fatal().Msg("CSD_VAULT_KEY es obligatoria fuera de dev")
	}
	log.Warn().Msg("CSD_VAULT_KEY vacía: llave efímera, los CSD cargados no sobreviven al reinicio")
	v, err := vault.NewEphemeral()
	if err != nil {
		log.Fatal().Err(err).Msg("generar llave efímera")
	}
	return v
}

// openStores PostgreSQL salvo en dev sin DATABASE_URL.
func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) stores {
	if cfg.PAC.Env == pac.EnvDev && cfg.DB.DatabaseURL == "" {
		log.Warn().Msg("modo dev sin DATABASE_URL: comprobantes y timbres en memoria")
		mem := memory.NewStore()
		return stores{
			documents:   mem,
			records:     mem,
			stamps:      mem.Stamps(),
			tx:          mem,
			credentials: memory.NewCredentialStore(),
			close:       func() {},
		}
	}

	pool, err := postgres.NewPool(ctx, cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("conexión a PostgreSQL")
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		log.Fatal().Err(err).Msg("migraciones")
	}
	return stores{
		documents:   postgres.NewFiscalDocumentRepository(pool),
		records:     postgres.NewStampingRepository(pool),
		stamps:      postgres.NewFiscalStampRepository(pool),
		tx:          postgres.NewTxRunner(pool),
		credentials: postgres.NewCredentialRepository(pool),
		close:       pool.Close,
	}
}
