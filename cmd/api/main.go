package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"relay-fleet/config"
	"relay-fleet/internal/auth"
	"relay-fleet/internal/cloud"
	"relay-fleet/internal/dns"
	"relay-fleet/internal/events"
	"relay-fleet/internal/fleet"
	"relay-fleet/internal/handler"
	"relay-fleet/internal/metrics"
	"relay-fleet/internal/probe"
	"relay-fleet/internal/queue"
	"relay-fleet/internal/redis"
	"relay-fleet/internal/repository"
	"relay-fleet/internal/server"
	"relay-fleet/internal/storage"
	"relay-fleet/internal/websocket"
	"relay-fleet/pkg/database"
	"relay-fleet/pkg/logger"
)

func main() {
	cfg := config.LoadConfig()

	l := logger.New(cfg.App.Mode)
	logger.SetGlobalLogger(l)
	defer l.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Errorf("orchestrator stopped: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, l *logger.Logger) error {
	db, err := database.Connect(cfg.Database, cfg.App.Mode)
	if err != nil {
		return err
	}
	defer database.Close(db)
	if err := repository.InitSchema(db); err != nil {
		return err
	}

	rdb, err := redis.Connect(ctx, redis.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	defer rdb.Close()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	vms, err := cloud.NewEC2Provisioner(ctx, cloud.EC2Config{
		Region:           cfg.AWS.Region,
		AccessKey:        cfg.AWS.AccessKey,
		SecretKey:        cfg.AWS.SecretKey,
		Endpoint:         cfg.AWS.EC2Endpoint,
		SubnetID:         cfg.AWS.SubnetID,
		SecurityGroupIDs: cfg.AWS.SecurityGroupIDs,
		KeyName:          cfg.AWS.KeyName,
	})
	if err != nil {
		return err
	}

	var scripts cloud.ScriptStore
	if cfg.AWS.S3Bucket != "" {
		s3c, err := storage.NewClient(ctx, storage.S3Config{
			Region:       cfg.AWS.Region,
			Bucket:       cfg.AWS.S3Bucket,
			AccessKey:    cfg.AWS.AccessKey,
			SecretKey:    cfg.AWS.SecretKey,
			Endpoint:     cfg.AWS.S3Endpoint,
			UsePathStyle: cfg.AWS.S3UsePathStyle,
			PresignTTL:   cfg.AWS.PresignTTL,
		})
		if err != nil {
			return err
		}
		scripts = s3c
	} else {
		l.Warnf("S3_BUCKET not set, bootstrap scripts are inlined into user data")
	}

	publisher := events.NewBus(redis.NewPublisher(rdb))
	taskQueue := queue.NewRedisQueue(rdb, "fleet")
	state := redis.NewStateStore(rdb, cfg.Fleet.AutoscalerEnabled)

	orch := fleet.New(fleet.Deps{
		Servers:   repository.NewServerRepository(db),
		Viewers:   repository.NewViewerRepository(db),
		Scaling:   repository.NewScalingEventRepository(db),
		VMs:       vms,
		Bootstrap: cloud.NewBootstrapBuilder(scripts, cfg.App.PublicURL),
		DNS: dns.NewNSUpdater(dns.Config{
			Binary:       cfg.DNS.Binary,
			Server:       cfg.DNS.Server,
			Zone:         cfg.DNS.Zone,
			KeyName:      cfg.DNS.KeyName,
			KeyAlgorithm: cfg.DNS.KeyAlgorithm,
			KeySecret:    cfg.DNS.KeySecret,
		}),
		Probe:  probe.NewHTTPProber(cfg.Fleet.ProbeTimeout),
		Queue:  taskQueue,
		State:  state,
		Locker: redis.NewLocker(rdb),
		Events: publisher,
		Log:    l,
	}, fleet.Options{Fleet: cfg.Fleet, DNSZone: cfg.DNS.Zone, DNSTTL: cfg.DNS.TTL})

	mux := queue.NewMux()
	orch.RegisterTasks(mux)
	worker := queue.NewWorker(taskQueue, mux, l, cfg.Fleet.WorkerConcurrency)
	worker.Start(ctx)

	scheduler := fleet.NewScheduler(taskQueue, state, fleet.DefaultSchedules(cfg.Fleet), l)
	scheduler.Start(ctx)

	hub := websocket.NewHub()
	go hub.Run(ctx)
	bridge := websocket.NewRedisBridge(redis.NewSubscriber(rdb), hub)
	go func() {
		if err := bridge.Run(ctx); err != nil {
			l.Errorf("event bridge stopped: %v", err)
		}
	}()

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.AdminRole)
	srv := server.New(cfg, l)
	srv.SetupRoutes(&server.Handlers{
		Fleet:     handler.NewFleetHandler(orch),
		Server:    handler.NewServerHandler(orch),
		WebSocket: websocket.NewHandler(verifier, hub, l),
	}, server.Auth{
		Tokens:  verifier,
		Servers: orch,
		Limiter: redis.NewRateLimiter(rdb, cfg.Auth.SecretAttempts, cfg.Auth.SecretWindow),
	}, db)

	err = srv.Start(ctx)

	scheduler.Wait()
	stopped := make(chan struct{})
	go func() {
		worker.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(30 * time.Second):
		l.Warnf("worker did not stop within 30s")
	}
	return err
}
