package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/sync/errgroup"
)

var (
	dbURL        = flag.String("dburl", envOr("DATABASE_URL", ""), "database connection string (postgres:// url or sqlite file), required")
	address      = flag.String("address", envOr("ADDRESS", "0.0.0.0"), "bind address")
	port         = flag.String("port", envOr("PORT", "3000"), "listening port")
	sendSecret   = flag.String("secret", envOr("SEND_SECRET", ""), "shared secret required by the send endpoints")
	clientID     = flag.String("clientid", envOr("CLIENT_ID", defaultClientID), "stable client identifier for the credential namespace")
	osName       = flag.String("osname", envOr("WA_OS_NAME", "ZapGate"), "platform identity registered with the automation layer")
	forceFresh   = flag.Bool("forcefresh", envBool("FORCE_FRESH_LOGIN"), "force full bootstrap even when a credential record exists")
	keepaliveURL = flag.String("keepalive", envOr("KEEPALIVE_URL", ""), "externally reachable url for the self-ping timer")
	proxyURL     = flag.String("proxy", envOr("PROXY_URL", ""), "socks5 or http proxy for the automation client")
	rabbitURL    = flag.String("rabbiturl", envOr("RABBITMQ_URL", ""), "amqp url for lifecycle event publishing")
	waDebug      = flag.String("wadebug", envOr("WA_DEBUG", ""), "automation client debug level (DEBUG or INFO)")
	logType      = flag.String("logtype", envOr("LOG_TYPE", "console"), "console or json")
	colorOutput  = flag.Bool("color", false, "colorize console output")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

func initLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *logType == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("role", "zapgate").Logger()
		return
	}
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05", NoColor: !*colorOutput}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

func s3FromEnv() *snapshotArchiver {
	if !envBool("S3_ENABLED") {
		return nil
	}
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		log.Warn().Msg("S3_ENABLED set without S3_BUCKET, snapshot archive disabled")
		return nil
	}
	return newSnapshotArchiver(s3Settings{
		Endpoint:  os.Getenv("S3_ENDPOINT"),
		Region:    envOr("S3_REGION", "us-east-1"),
		Bucket:    bucket,
		AccessKey: os.Getenv("S3_ACCESS_KEY"),
		SecretKey: os.Getenv("S3_SECRET_KEY"),
		PathStyle: envBool("S3_PATH_STYLE"),
	})
}

func main() {
	godotenv.Load()
	flag.Parse()
	initLogger()

	log.Info().Str("version", version).Msg("Starting zapgate")

	if *dbURL == "" {
		log.Fatal().Msg("DATABASE_URL is required: the controller cannot run without its credential store")
	}
	if *sendSecret == "" {
		log.Warn().Msg("SEND_SECRET not set, send endpoints will reject every request")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credential store connectivity at startup is the one fatal
	// persistence error: nothing useful can happen without it.
	store, err := openCredentialStore(ctx, *dbURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to the credential store")
	}

	driver, dsn := resolveDatabase(*dbURL)
	var containerLog waLog.Logger
	if *waDebug != "" {
		containerLog = waLog.Stdout("Database", *waDebug, *colorOutput)
	}
	container, err := sqlstore.New(ctx, driver, dsn, containerLog)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open the automation session store")
	}

	var publisher *eventPublisher
	if *rabbitURL != "" {
		publisher, err = newEventPublisher(*rabbitURL)
		if err != nil {
			log.Warn().Err(err).Msg("RabbitMQ unavailable, lifecycle events will not be published")
		}
	}

	snaps := newSnapshotter(store, *clientID, s3FromEnv())
	factory := newWhatsmeowFactory(container, store, *clientID, *osName, *proxyURL, *waDebug, *logType != "json")
	ctrl := NewController(ControllerConfig{
		ClientID:   *clientID,
		ForceFresh: *forceFresh,
	}, store, snaps, factory.NewSession, publisher)

	if err := ctrl.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not start the session controller")
	}

	srv := newServer(store, ctrl, *sendSecret, *clientID)
	httpSrv := &http.Server{
		Addr:              *address + ":" + *port,
		Handler:           srv,
		ReadHeaderTimeout: 20 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", httpSrv.Addr).Msg("HTTP gateway listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if *keepaliveURL != "" {
		g.Go(func() error {
			startKeepalive(gctx, *keepaliveURL)
			return nil
		})
	}

	<-gctx.Done()
	log.Info().Msg("Shutting down")

	// Bounded exit hook: one last backup, then release everything.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	ctrl.Shutdown(shutdownCtx)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	publisher.Close()
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("Credential store close failed")
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
}
