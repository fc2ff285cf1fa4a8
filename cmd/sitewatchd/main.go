// Command sitewatchd runs the continuous safety-violation detection
// daemon: camera workers under a scheduler, the deduplicating incident
// emitter, and the HTTP/WebSocket surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"sitewatch/internal/config"
	"sitewatch/internal/database"
	"sitewatch/internal/dedup"
	"sitewatch/internal/events"
	"sitewatch/internal/evidence"
	"sitewatch/internal/framesource"
	"sitewatch/internal/logging"
	"sitewatch/internal/model"
	"sitewatch/internal/notify"
	"sitewatch/internal/pipeline"
	"sitewatch/internal/registry"
)

func main() {
	configPath := flag.String("config", "sitewatch.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "sitewatchd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(cfg.Log)
	log := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	reg := registry.New(db)
	if err := reg.Load(ctx); err != nil {
		return err
	}

	specs, err := db.ListModels(ctx)
	if err != nil {
		return err
	}
	sidecarClient := &http.Client{}
	runtimes := model.LoadAll(specs, sidecarClient)
	syncer := model.NewSyncer(runtimes, db, reg, sidecarClient)

	sink, err := evidence.NewFileSink(cfg.Evidence)
	if err != nil {
		return err
	}

	hub := events.NewHub()
	var pub dedup.Publisher = hub
	if cfg.Telegram.Enabled {
		notifier := notify.New(cfg.Telegram, evidencePhotoLoader(sink.Dir()))
		pub = dedup.MultiPublisher{hub, notifier}
		log.Info().Msg("telegram alerts enabled")
	}
	dd := dedup.New(db, pub, sink, cfg.Severity, cfg.Dedup)
	if err := dd.Rehydrate(ctx); err != nil {
		return err
	}

	sources := framesource.NewFactory(framesource.Config{
		ReadTimeout:       cfg.Source.ReadTimeout,
		ReconnectAttempts: cfg.Source.ReconnectAttempts,
		Backoff: pipeline.Backoff{
			Base: cfg.Pipeline.BackoffBase,
			Cap:  cfg.Pipeline.BackoffCap,
		},
	}, func(cameraID string, status pipeline.CameraStatus) {
		if err := reg.SetCameraStatus(cameraID, status, "feed transport"); err != nil {
			log.Warn().Err(err).Str("camera_id", cameraID).Msg("camera status update failed")
		}
	})

	sched := pipeline.NewScheduler(reg, sources, runtimes, dd, cfg.SchedulerConfig())

	serverCfg := cfg.Server
	if serverCfg.EvidenceDir == "" {
		serverCfg.EvidenceDir = sink.Dir()
	}
	server := events.NewServer(serverCfg, hub, db, reg, dd, sched)

	sup := suture.New("sitewatch", suture.Spec{
		EventHook:        (&sutureslog.Handler{Logger: logging.Slog()}).MustHook(),
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		Timeout:          30 * time.Second,
	})
	sup.Add(sched)
	sup.Add(syncer)
	sup.Add(server)

	log.Info().
		Int("models", len(runtimes.IDs())).
		Str("addr", serverCfg.Addr).
		Msg("sitewatchd starting")

	err = sup.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("sitewatchd stopped")
	return nil
}

// evidencePhotoLoader resolves an incident's evidence URL back to the
// image on disk so alerts can attach it.
func evidencePhotoLoader(dir string) notify.PhotoLoader {
	return func(inc *dedup.Incident) []byte {
		if inc.EvidenceURL == "" {
			return nil
		}
		path := filepath.Join(dir, inc.CameraID, filepath.Base(inc.EvidenceURL))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		return data
	}
}
