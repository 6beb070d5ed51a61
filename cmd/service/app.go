package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Eyemetric/gate_service/internal/actuator"
	"github.com/Eyemetric/gate_service/internal/api/match"
	"github.com/Eyemetric/gate_service/internal/api/wasabi"
	"github.com/Eyemetric/gate_service/internal/config"
	"github.com/Eyemetric/gate_service/internal/db"
	"github.com/Eyemetric/gate_service/internal/errors"
	"github.com/Eyemetric/gate_service/internal/ingress"
	"github.com/Eyemetric/gate_service/internal/logger"
	"github.com/Eyemetric/gate_service/internal/recognition"
	"github.com/Eyemetric/gate_service/internal/repository"
	"github.com/Eyemetric/gate_service/internal/stations"
	"github.com/Eyemetric/gate_service/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	Config     *config.Config
	DB         *pgxpool.Pool // nil with the memory store
	Echo       *echo.Echo
	Signer     wasabi.URLSigner
	Repo       repository.ParkingRepository
	Supervisor *supervisor.Supervisor
	Dispatcher *ingress.Dispatcher
	Context    context.Context

	gate    actuator.Controller
	release func() error
	log     *zap.SugaredLogger
}

type ErrorRes struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

func initApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logger.ComponentLogger("gate.app")
	log.Infow("------------- starting gate service ------------",
		"store", cfg.Store.Driver,
		"gate", cfg.Gate.Driver,
		"exit_verification", cfg.Recognition.ExitVerification)

	app := &App{
		Config:  cfg,
		Context: ctx,
		Echo:    echo.New(),
		log:     log,
	}
	app.Echo.HideBanner = true

	if err := app.openStore(ctx); err != nil {
		return nil, err
	}
	if err := app.Repo.Seed(ctx, cfg.Store.Capacity); err != nil {
		app.closeStore()
		return nil, err
	}

	if err := app.openSigner(ctx); err != nil {
		app.closeStore()
		return nil, err
	}

	rec, err := app.newRecognizer(ctx)
	if err != nil {
		app.closeStore()
		return nil, err
	}

	if err := app.openGate(); err != nil {
		app.closeStore()
		return nil, err
	}

	rearmer := stations.NewRearmer(stationList(cfg), 0)
	app.Supervisor = supervisor.New(supervisor.Config{
		Bindings: cfg.Bindings(),
		Window:   cfg.CorrelationWindow(),
		Dwell:    cfg.Dwell(),
		IdleText: cfg.Gate.IdleText,
	}, rec, app.Repo, app.gate, rearmer, supervisor.NewHub())
	app.Dispatcher = ingress.NewDispatcher(app.Supervisor, cfg.Server.IngressRate, cfg.Server.IngressBurst)

	registerRoutes(app)
	return app, nil
}

func (app *App) openStore(ctx context.Context) error {
	if app.Config.Store.Driver == config.DriverMemory {
		app.Repo = repository.NewMemParkingRepo()
		return nil
	}

	pool, err := db.Open(ctx, app.Config.Store.DSN)
	if err != nil {
		return err
	}
	if app.Config.Store.Migrate {
		if err := db.MigrateUp(pool); err != nil {
			pool.Close()
			return err
		}
	}
	app.DB = pool
	app.Repo = repository.NewPgxParkingRepo(pool)
	return nil
}

func (app *App) closeStore() {
	if app.DB != nil {
		app.DB.Close()
	}
}

func (app *App) openSigner(ctx context.Context) error {
	st := app.Config.Storage
	if !st.Enabled {
		app.Signer = wasabi.Passthrough{}
		return nil
	}
	w, err := wasabi.NewWasabi(ctx, wasabi.Options{
		Host:      st.Host,
		Region:    st.Region,
		Expires:   app.Config.PresignExpiry(),
		AccessKey: st.AccessKey,
		SecretKey: st.SecretKey,
	})
	if err != nil {
		return err
	}
	app.Signer = w
	return nil
}

// newRecognizer builds the coordinator for the configured exit verification
// mode and, in async mode, optionally starts the in-process worker.
func (app *App) newRecognizer(ctx context.Context) (*recognition.Coordinator, error) {
	rc := app.Config.Recognition
	timeout := app.Config.RecognitionTimeout()
	ocr := recognition.NewOCRClient(rc.OCRURL, timeout, app.Signer)
	face := recognition.NewFaceMatcher(rc.FaceMatchURL, timeout, app.Signer)

	if rc.ExitVerification == config.VerifySync {
		return recognition.NewSyncCoordinator(ocr, face), nil
	}

	waiter := recognition.NewMatchWaiter(app.Repo, app.Config.PollInterval(), app.Config.AsyncDeadline())
	if rc.EmbeddedWorker {
		if err := match.NewWorker(app.Repo, face, timeout).Start(ctx); err != nil {
			return nil, err
		}
		app.log.Infow("embedded verification worker started")
	}
	return recognition.NewAsyncCoordinator(ocr, app.Repo, waiter), nil
}

func (app *App) openGate() error {
	g := app.Config.Gate
	if g.Driver == config.DriverLog {
		app.gate = actuator.NewLogController()
		return nil
	}
	sc, err := actuator.NewSerialController(g.SerialPath, actuator.PortOptions{
		BaudRate: g.BaudRate,
		DataBits: g.DataBits,
		StopBits: g.StopBits,
		Parity:   g.Parity,
	})
	if err != nil {
		return err
	}
	app.gate = sc
	app.release = sc.Release
	return nil
}

func stationList(cfg *config.Config) []stations.Station {
	out := make([]stations.Station, 0, len(cfg.Stations))
	for _, s := range cfg.Stations {
		if s.RearmURL == "" {
			continue
		}
		out = append(out, stations.Station{ID: s.ID, URL: s.RearmURL, Field: s.RearmField})
	}
	return out
}

// Run serves HTTP and the TCP line ingress until ctx ends, then drains the
// supervisor and releases the gate.
func (app *App) Run(ctx context.Context) error {
	defer app.closeStore()
	if app.release != nil {
		defer func() {
			if err := app.release(); err != nil {
				app.log.Warnw("failed to release gate port", logger.FieldError, err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + app.Config.Server.Port
		app.log.Infow("http listening", logger.FieldAddress, addr)
		if err := app.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if addr := app.Config.Server.TCPAddr; addr != "" {
		g.Go(func() error {
			return ingress.NewLineListener(app.Dispatcher).ListenAndServe(gctx, addr)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		app.log.Infow("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.Echo.Shutdown(sctx); err != nil {
			app.log.Warnw("http shutdown", logger.FieldError, err)
		}
		return app.Supervisor.Shutdown(sctx)
	})

	return g.Wait()
}
