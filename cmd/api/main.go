package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"demeter.dev/internal/audit"
	"demeter.dev/internal/auth"
	"demeter.dev/internal/blob"
	"demeter.dev/internal/classify"
	"demeter.dev/internal/classify/demeter"
	"demeter.dev/internal/httpapi"
	"demeter.dev/internal/obs"
	"demeter.dev/internal/ratelimit"
	"demeter.dev/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	// Local overrides; absent file is fine in containers.
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("DEMETER_PG_DSN")
	if dsn == "" {
		log.Fatal("DEMETER_PG_DSN is required")
	}
	secret := os.Getenv("DEMETER_AUTH_SECRET")
	if secret == "" {
		log.Fatal("DEMETER_AUTH_SECRET is required")
	}

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()
	if err := store.EnsureSchema(bootCtx); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	auditRec := audit.NewRecorder(audit.NewPGStore(store.DB()))
	authStore := auth.NewPGStore(store.DB())

	authSvc, err := auth.NewService(authStore, secret, auth.WithAuditRecorder(auditRec))
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	if err := authSvc.EnsureBuiltins(bootCtx); err != nil {
		log.Fatalf("seed roles: %v", err)
	}
	authorizer := auth.NewAuthorizer(authStore, auditRec)

	blobs, err := openBlobStore(bootCtx)
	if err != nil {
		log.Fatalf("blob store: %v", err)
	}

	classifySvc := classify.NewService(
		store.Classifications(), blobs, openGateway(), authorizer, auditRec,
		classify.WithGatewayTimeout(envDuration("DEMETER_ML_TIMEOUT", 30*time.Second)),
	)

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	defer limiter.Close()

	api := httpapi.New(authSvc, authorizer, classifySvc, limiter, httpapi.ReadyProbe{DB: store.DB()}, version)

	addr := os.Getenv("DEMETER_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting demeter-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

// openBlobStore prefers MinIO when configured, else a local directory.
func openBlobStore(ctx context.Context) (blob.Store, error) {
	if endpoint := os.Getenv("DEMETER_MINIO_ENDPOINT"); endpoint != "" {
		ms, err := blob.NewMinioStore(blob.MinioConfig{
			Endpoint:  endpoint,
			AccessKey: os.Getenv("DEMETER_MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("DEMETER_MINIO_SECRET_KEY"),
			Bucket:    os.Getenv("DEMETER_MINIO_BUCKET"),
			UseSSL:    envBool("DEMETER_MINIO_SSL"),
		})
		if err != nil {
			return nil, err
		}
		if err := ms.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return ms, nil
	}
	dir := os.Getenv("DEMETER_BLOB_DIR")
	if dir == "" {
		dir = "data/images"
	}
	return blob.NewFSStore(dir)
}

// openGateway talks to the remote classifier when a URL is set, otherwise the
// deterministic mock serves local development.
func openGateway() classify.Gateway {
	url := os.Getenv("DEMETER_ML_URL")
	if url == "" {
		log.Println("DEMETER_ML_URL not set; using mock classifier")
		return demeter.MockGateway{}
	}
	client, err := demeter.NewClient(demeter.Config{
		URL:            url,
		Timeout:        envDuration("DEMETER_ML_TIMEOUT", 30*time.Second),
		FallbackToMock: envBool("DEMETER_ML_FALLBACK"),
	})
	if err != nil {
		log.Fatalf("ml gateway: %v", err)
	}
	return client
}

func envDuration(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("ignoring invalid %s=%q", name, v)
		return def
	}
	return d
}

func envBool(name string) bool {
	b, _ := strconv.ParseBool(os.Getenv(name))
	return b
}
