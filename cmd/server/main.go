package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/blob"
	"chatsync/internal/config"
	"chatsync/internal/db"
	"chatsync/internal/docstore"
	"chatsync/internal/docstore/mongostore"
	"chatsync/internal/docstore/pgstore"
	"chatsync/internal/events"
	"chatsync/internal/jobs"
	clog "chatsync/internal/log"
	"chatsync/internal/pubsub"
	"chatsync/internal/server"
	"chatsync/internal/service"
	"chatsync/internal/ws"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// 本地开发时从 .env 读取配置，文件不存在不算错误。
	_ = godotenv.Load()
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	maxWait := time.Duration(cfg.ConnectTimeoutSeconds) * time.Second

	broker := openBroker(ctx, cfg, maxWait)
	defer broker.Close()
	store := openStore(ctx, cfg, broker, maxWait)
	defer store.Close(context.Background())
	blobs, mem := openBlobs(ctx, cfg)

	var pub events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		pub = events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	defer pub.Close()

	authSvc := auth.NewService(store, broker, cfg.JWTSecret,
		time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute,
		time.Duration(cfg.RefreshTokenTTLDays)*24*time.Hour)
	uploader := blob.NewUploader(blobs, cfg.MaxUploadBytes)
	hub := ws.NewHub()
	defer hub.Close()

	r, stopRouter := server.SetupRouter(cfg, server.Deps{
		Store:    store,
		Auth:     authSvc,
		Users:    service.NewUserService(store, authSvc, uploader),
		Contacts: service.NewContactService(store, pub, cfg.IndexWriteMode),
		Composer: service.NewComposer(store, uploader, pub, cfg.IndexWriteMode),
		Hub:      hub,
		Blobs:    mem,
	})
	defer stopRouter()

	sched := jobs.NewScheduler(time.Minute)
	reconciler := service.NewReconciler(store)
	for _, t := range []jobs.Task{
		{Name: "reconcile-index", Schedule: cfg.ReconcileSchedule, Run: reconciler.Run},
		{Name: "purge-sessions", Schedule: cfg.PurgeSchedule, Run: authSvc.PurgeSessions},
	} {
		if err := sched.Add(t); err != nil {
			log.Fatal().Err(err).Str("task", t.Name).Msg("schedule task")
		}
	}
	sched.Start()

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.StoreDriver).Str("blob", cfg.BlobDriver).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	sched.Stop(shutdownCtx)
}

func openBroker(ctx context.Context, cfg config.Config, maxWait time.Duration) pubsub.Broker {
	if cfg.RedisAddr == "" {
		return pubsub.NewLocal()
	}
	rdb, err := pubsub.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, maxWait)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis connect")
	}
	return pubsub.NewRedis(rdb, "chatsync:")
}

func openStore(ctx context.Context, cfg config.Config, broker pubsub.Broker, maxWait time.Duration) docstore.Store {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		gdb, err := db.Connect(cfg.DatabaseDSN, maxWait)
		if err != nil {
			log.Fatal().Err(err).Msg("db connect")
		}
		if err := db.Migrate(gdb); err != nil {
			log.Fatal().Err(err).Msg("db migrate")
		}
		return pgstore.New(gdb, broker)
	case config.StoreMongo:
		s, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, maxWait)
		if err != nil {
			log.Fatal().Err(err).Msg("mongo connect")
		}
		return s
	default:
		log.Warn().Msg("using in-memory document store, data is lost on restart")
		return docstore.NewMemory()
	}
}

// openBlobs 按驱动创建对象存储并套上熔断器，memory 驱动额外返回底层实例用于回读。
func openBlobs(ctx context.Context, cfg config.Config) (blob.Store, *blob.Memory) {
	var (
		next blob.Store
		mem  *blob.Memory
	)
	switch cfg.BlobDriver {
	case config.BlobS3:
		s, err := blob.NewS3Store(ctx, blob.S3Config{
			Region:     cfg.S3Region,
			Bucket:     cfg.S3Bucket,
			Endpoint:   cfg.S3Endpoint,
			PublicRead: cfg.S3PublicRead,
			PresignTTL: 7 * 24 * time.Hour,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("s3 config")
		}
		next = s
	case config.BlobCloudinary:
		c, err := blob.NewCloudinary(cfg.CloudinaryURL, cfg.CloudinaryFolder)
		if err != nil {
			log.Fatal().Err(err).Msg("cloudinary config")
		}
		next = c
	default:
		mem = blob.NewMemory(cfg.PublicBaseURL)
		next = mem
	}
	return blob.WithBreaker(cfg.BlobDriver, next, 5, 30*time.Second), mem
}
