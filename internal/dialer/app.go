// Package dialer wires the campaign engine, the control plane and the event
// pipeline into one restartable application.
package dialer

import (
	"context"
	"net/http"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/alert"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/deadletter"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/dispatch"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/gateway"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/healthchecker"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/httpapi"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/kafka"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/lead"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/minio"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/phone"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/reconcile"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const eventPoolReleaseTimeout = 10 * time.Second

type Dialer struct {
	DBConn               *gorm.DB
	CtxCancelFunc        context.CancelFunc
	Gateway              *gateway.GatewayService
	Dispatcher           *dispatch.Dispatcher
	Recoverer            *dispatch.Recoverer
	CampaignService      *campaign.CampaignService
	EventService         *EventService
	EventPool            *ants.Pool
	DeadLetterWorker     *deadletter.DeadLetterWorker
	KafkaProducer        *kafka.Producer
	EventConsumer        *kafka.EventConsumer
	EventArchive         *minio.EventArchive
	Server               *http.Server
	HealthCheckerService *healthchecker.Healthchecker
}

// NewApp builds every component against ctx. Cancelling ctx through
// ctxCancelFunc stops the app; the health checker does so when a breaker opens.
func NewApp(ctx context.Context, ctxCancelFunc context.CancelFunc) (*Dialer, error) {
	logging.Logger.Info("[NewApp] Initializing dialer application...")

	circuitbreak.Init()

	app := &Dialer{
		CtxCancelFunc:        ctxCancelFunc,
		HealthCheckerService: healthchecker.NewService(ctxCancelFunc, healthchecker.DefaultChecks()),
	}

	dbConn, err := database.NewDatabase()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to initialize database", zap.String("error", err.Error()))
		return nil, err
	}

	app.DBConn = dbConn

	logging.Logger.Info("[NewApp] Database connection established")

	err = app.initializeMessaging()
	if err != nil {
		return nil, err
	}

	err = app.initializeEngine(ctx)
	if err != nil {
		return nil, err
	}

	err = app.initializeEvents()
	if err != nil {
		return nil, err
	}

	leads := lead.NewRepository(dbConn)
	handler := httpapi.NewHandler(
		app.CampaignService,
		leads,
		lead.NewImporter(leads, newPhoneChain()),
		app.EventService,
	)
	handler.Ready = app.ready
	app.Server = httpapi.NewServer(httpapi.NewRouter(handler))

	logging.Logger.Info("[NewApp] Dialer application initialized")

	return app, nil
}

func newPhoneChain() phone.Chain {
	return phone.NewChain(config.Conf.CountryCodes(), config.Conf.PhoneLocalMinDigits)
}

func (app *Dialer) initializeMessaging() error {
	if config.Conf.KafkaEnabled {
		kafkaProducer, err := kafka.NewProducer()
		if err != nil {
			logging.Logger.Error("[NewApp] Failed to create Kafka producer", zap.String("error", err.Error()))
			return err
		}

		app.KafkaProducer = kafkaProducer

		logging.Logger.Info("[NewApp] Kafka producer created")
	}

	if config.Conf.KafkaEventConsumerEnabled {
		eventConsumer, err := kafka.NewEventConsumer()
		if err != nil {
			logging.Logger.Error("[NewApp] Failed to create Kafka event consumer", zap.String("error", err.Error()))
			return err
		}

		app.EventConsumer = eventConsumer

		logging.Logger.Info("[NewApp] Kafka event consumer created")
	}

	if config.Conf.MinioEnabled {
		eventArchive, err := minio.NewEventArchive()
		if err != nil {
			logging.Logger.Error("[NewApp] Failed to create MinIO event archive", zap.String("error", err.Error()))
			return err
		}

		app.EventArchive = eventArchive

		logging.Logger.Info("[NewApp] MinIO event archive created")
	}

	return nil
}

func (app *Dialer) alerter() *alert.Channel {
	if app.KafkaProducer == nil {
		return alert.NewChannel(nil, "")
	}

	return alert.NewChannel(app.KafkaProducer, config.Conf.KafkaOpsErrorTopic)
}

func (app *Dialer) initializeEngine(ctx context.Context) error {
	gatewayService, err := gateway.NewService()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create gateway", zap.String("error", err.Error()))
		return err
	}

	app.Gateway = gatewayService

	campaigns := campaign.NewRepository(app.DBConn)

	dispatcher, err := dispatch.NewDispatcher(
		ctx,
		campaigns,
		lead.NewRepository(app.DBConn),
		gatewayService,
		app.alerter(),
		dispatch.OptionsFromConfig(),
	)
	if err != nil {
		return err
	}

	app.Dispatcher = dispatcher
	app.Recoverer = dispatch.NewRecoverer(campaigns, dispatcher)
	app.CampaignService = campaign.NewService(campaigns, dispatcher)

	logging.Logger.Info("[NewApp] Dispatcher created",
		zap.Int("pool_size", dispatcher.Options.PoolSize),
		zap.Int("batch_size", dispatcher.Options.BatchSize),
	)

	return nil
}

func (app *Dialer) initializeEvents() error {
	eventPool, err := ants.NewPool(config.Conf.EventPoolSize, ants.WithPreAlloc(true))
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create event worker pool", zap.String("error", err.Error()))
		return err
	}

	app.EventPool = eventPool

	eventService := &EventService{
		Reconciler: reconcile.NewReconciler(app.DBConn, newPhoneChain()),
		Alerter:    app.alerter(),
		WorkerPool: eventPool,
	}

	if app.KafkaProducer != nil {
		eventService.Publisher = app.KafkaProducer
		eventService.ResultTopic = config.Conf.KafkaCallResultTopic
	}

	if app.EventArchive != nil {
		eventService.Archive = app.EventArchive
	}

	deadletterService := deadletter.NewService(app.DBConn, eventService.Replay)
	eventService.DeadLetters = deadletterService

	deadletterWorker, err := deadletter.NewWorker(deadletterService)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create dead letter worker", zap.String("error", err.Error()))
		return err
	}

	app.EventService = eventService
	app.DeadLetterWorker = deadletterWorker

	return nil
}

func (app *Dialer) ready(ctx context.Context) error {
	sqlDB, err := app.DBConn.DB()
	if err != nil {
		return err
	}

	return sqlDB.PingContext(ctx)
}

// Run blocks until ctx is done or a component fails, then tears the app down.
func (app *Dialer) Run(ctx context.Context) error {
	logging.Logger.Info("[Run] Starting app goroutines...")

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		app.HealthCheckerService.Monitor(groupCtx)
		return nil
	})

	group.Go(func() error {
		return httpapi.Serve(groupCtx, app.Server)
	})

	group.Go(func() error {
		app.DeadLetterWorker.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		app.Recoverer.Run(groupCtx)
		return nil
	})

	if app.EventConsumer != nil {
		group.Go(func() error {
			logging.Logger.Info("[Run] Starting Kafka event consumer")
			app.EventConsumer.Consume(groupCtx, app.EventService.HandleKafkaMessage)

			return nil
		})
	}

	err := group.Wait()

	app.shutdown()

	return err
}

func (app *Dialer) shutdown() {
	logging.Logger.Info("[shutdown] Stopping dispatch loops...")

	app.CtxCancelFunc()
	app.Dispatcher.Close()

	app.closeEventConsumer()

	logging.Logger.Info("[shutdown] Releasing event worker pool...",
		zap.Int("running_workers", app.EventPool.Running()),
	)
	err := app.EventPool.ReleaseTimeout(eventPoolReleaseTimeout)
	if err != nil {
		logging.Logger.Warn("[shutdown] event workers still running", zap.String("error", err.Error()))
	}

	if app.EventArchive != nil {
		app.EventArchive.Close()
	}

	app.closeKafkaProducer()

	database.Close(app.DBConn)

	logging.Logger.Info("[shutdown] ===== App shutdown complete =====")
}

func (app *Dialer) closeEventConsumer() {
	if app.EventConsumer == nil {
		return
	}

	err := app.EventConsumer.Close()
	if err != nil {
		logging.Logger.Error("[shutdown] Failed to close Kafka event consumer", zap.String("error", err.Error()))
	}
}

func (app *Dialer) closeKafkaProducer() {
	if app.KafkaProducer == nil {
		return
	}

	err := app.KafkaProducer.Close()
	if err != nil {
		logging.Logger.Error("[shutdown] Failed to close Kafka producer", zap.String("error", err.Error()))
	}
}
