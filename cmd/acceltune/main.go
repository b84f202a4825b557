package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acceltune/platform/pkg/common/config"
	"github.com/acceltune/platform/pkg/common/database"
	"github.com/acceltune/platform/pkg/common/kafka"
	"github.com/acceltune/platform/pkg/common/logger"
	"github.com/acceltune/platform/pkg/common/middleware"
	"github.com/acceltune/platform/pkg/deploy"
	"github.com/acceltune/platform/pkg/devices"
	"github.com/acceltune/platform/pkg/jobs"
	"github.com/acceltune/platform/pkg/observability/metrics"
	"github.com/acceltune/platform/pkg/runtime"
	"github.com/acceltune/platform/pkg/store"
	"github.com/gorilla/mux"
)

func main() {
	logger.Init()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := database.GetRedis(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to state store")
	}
	defer database.CloseRedis()
	stateStore := store.NewRedisStore(redisClient)
	keys := store.Keyspace{Prefix: cfg.StoreKeyPrefix}

	docker, err := runtime.NewDocker(cfg.DockerHost)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize container runtime")
	}
	defer docker.Close()

	profiles, err := jobs.LoadProfiles(cfg.ProfilesPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load launch profiles")
	}
	if err := profiles.Watch(ctx); err != nil {
		logger.Log.WithError(err).Warn("Launch profiles will not be reloaded on change")
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
	defer producer.Close()

	controller := jobs.NewController(jobs.NewRepository(stateStore, keys), docker, profiles, producer, jobs.Options{
		StopSignal:     cfg.StopSignal,
		StopTimeout:    cfg.StopTimeout,
		Network:        cfg.NetworkName,
		RemoveOnExit:   cfg.RemoveOnExit,
		SettleAttempts: cfg.DeployStatusWriteAttempts,
	})
	recovered, err := controller.Recover(ctx)
	if err != nil {
		logger.Log.WithError(err).Error("Failed to recover active jobs")
	} else if recovered > 0 {
		logger.Log.WithField("jobs", recovered).Info("Re-attached watchers to active jobs")
	}

	db, err := database.GetPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to device registry")
	}
	defer database.ClosePostgres()
	deviceRepo := devices.NewRepository(db)
	if err := deviceRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate device registry")
	}
	deviceService := devices.NewService(deviceRepo)

	streamer := deploy.NewStreamer(stateStore, keys, controller, deviceService, producer, deploy.Options{
		ArtifactRoot:        cfg.ArtifactRoot,
		TempDir:             cfg.TempDir,
		UploadPath:          cfg.DeployUploadPath,
		ChunkSize:           cfg.DeployChunkSize,
		PollInterval:        cfg.DeployPollInterval,
		MaxDependencyPolls:  cfg.DeployMaxDependencyPolls,
		DependencyRetries:   cfg.DeployDependencyRetries,
		QueuePopTimeout:     cfg.DeployQueuePopTimeout,
		StatusWriteAttempts: cfg.DeployStatusWriteAttempts,
		ProgressTTL:         cfg.DeployProgressTTL,
	})

	router := mux.NewRouter()
	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.BodyLimit(cfg.MaxRequestBody))
	router.HandleFunc("/health", healthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	jobs.NewHTTPHandler(controller, cfg.MaxRequestBody, cfg.LogTailLength).Register(api)
	devices.NewHTTPHandler(deviceService).Register(api)
	deploy.NewHTTPHandler(streamer).Register(api)

	// WriteTimeout defaults to 0: deployment and log streams stay open for as long as they run
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("AccelTune control plane started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down AccelTune control plane...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}
	cancel()

	// watchers of containers still running are re-attached by Recover on the next start
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := controller.Wait(waitCtx); err != nil {
		logger.Log.Info("Leaving running jobs to be recovered on next start")
	}

	logger.Log.Info("AccelTune control plane stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}
