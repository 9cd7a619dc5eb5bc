package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Financial-Times/go-logger"
	cli "github.com/jawher/mow.cli"
	"github.com/patient-imaging/study-access-broker/audit"
	"github.com/patient-imaging/study-access-broker/broker"
	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
)

const appDescription = "Verifies a patient's accession number and birth date against the image archive and returns a time-limited viewer link for that one study."

func main() {
	app := cli.App("study-access-broker", appDescription)

	appSystemCode := app.String(cli.StringOpt{
		Name:   "app-system-code",
		Value:  "study-access-broker",
		Desc:   "System Code of the application",
		EnvVar: "APP_SYSTEM_CODE",
	})
	appName := app.String(cli.StringOpt{
		Name:   "app-name",
		Value:  "Study Access Broker",
		Desc:   "Application name",
		EnvVar: "APP_NAME",
	})
	port := app.String(cli.StringOpt{
		Name:   "port",
		Value:  "8080",
		Desc:   "Port to listen on",
		EnvVar: "APP_PORT",
	})
	logLevel := app.String(cli.StringOpt{
		Name:   "logLevel",
		Value:  "INFO",
		Desc:   "App log level",
		EnvVar: "LOG_LEVEL",
	})
	requestLoggingEnabled := app.Bool(cli.BoolOpt{
		Name:   "requestLoggingEnabled",
		Value:  false,
		Desc:   "Whether HTTP request logging is enabled",
		EnvVar: "REQUEST_LOGGING_ENABLED",
	})
	archiveURL := app.String(cli.StringOpt{
		Name:   "archiveURL",
		Desc:   "Base URL of the image archive REST API",
		EnvVar: "ARCHIVE_URL",
	})
	archiveUsername := app.String(cli.StringOpt{
		Name:   "archiveUsername",
		Desc:   "Username for the image archive",
		EnvVar: "ARCHIVE_USERNAME",
	})
	archivePassword := app.String(cli.StringOpt{
		Name:      "archivePassword",
		Desc:      "Password for the image archive",
		EnvVar:    "ARCHIVE_PASSWORD",
		HideValue: true,
	})
	authURL := app.String(cli.StringOpt{
		Name:   "authURL",
		Desc:   "Base URL of the authorization service, defaults to the archive URL",
		EnvVar: "AUTH_URL",
	})
	authUsername := app.String(cli.StringOpt{
		Name:   "authUsername",
		Desc:   "Username for the authorization service, defaults to the archive username",
		EnvVar: "AUTH_USERNAME",
	})
	authPassword := app.String(cli.StringOpt{
		Name:      "authPassword",
		Desc:      "Password for the authorization service",
		EnvVar:    "AUTH_PASSWORD",
		HideValue: true,
	})
	tokenDialect := app.String(cli.StringOpt{
		Name:   "tokenIssuerDialect",
		Value:  "share",
		Desc:   "How the archive deployment issues study tokens: share, authorization, auth-shares or tokens",
		EnvVar: "TOKEN_ISSUER_DIALECT",
	})
	tokenPath := app.String(cli.StringOpt{
		Name:   "tokenPath",
		Desc:   "Override of the dialect's token endpoint path, {id} and {type} are substituted",
		EnvVar: "TOKEN_PATH",
	})
	tokenField := app.String(cli.StringOpt{
		Name:   "tokenField",
		Desc:   "Override of the response field holding the token",
		EnvVar: "TOKEN_FIELD",
	})
	tokenType := app.String(cli.StringOpt{
		Name:   "tokenType",
		Value:  "viewer-publication",
		Desc:   "Token type sent by the tokens dialect",
		EnvVar: "TOKEN_TYPE",
	})
	tokenValiditySeconds := app.Int(cli.IntOpt{
		Name:   "tokenValiditySeconds",
		Value:  int(broker.DefaultTokenValidity / time.Second),
		Desc:   "Validity of issued study tokens in seconds",
		EnvVar: "TOKEN_VALIDITY_SECONDS",
	})
	viewerURL := app.String(cli.StringOpt{
		Name:   "viewerURL",
		Desc:   "Public viewer address the token is appended to",
		EnvVar: "VIEWER_URL",
	})
	viewerTokenParam := app.String(cli.StringOpt{
		Name:   "viewerTokenParam",
		Value:  "token",
		Desc:   "Query parameter carrying the token in viewer links",
		EnvVar: "VIEWER_TOKEN_PARAM",
	})
	corsAllowedOrigins := app.Strings(cli.StringsOpt{
		Name:   "corsAllowedOrigins",
		Value:  []string{},
		Desc:   "Origins allowed to call the broker from a browser",
		EnvVar: "CORS_ALLOWED_ORIGINS",
	})
	upstreamTimeoutSeconds := app.Int(cli.IntOpt{
		Name:   "upstreamTimeoutSeconds",
		Value:  8,
		Desc:   "Timeout in seconds of each call to the archive or authorization service",
		EnvVar: "UPSTREAM_TIMEOUT_SECONDS",
	})
	requestTimeoutSeconds := app.Int(cli.IntOpt{
		Name:   "requestTimeoutSeconds",
		Value:  25,
		Desc:   "Timeout in seconds of a whole study access request",
		EnvVar: "REQUEST_TIMEOUT_SECONDS",
	})
	archiveMaxAttempts := app.Int(cli.IntOpt{
		Name:   "archiveMaxAttempts",
		Value:  2,
		Desc:   "Attempts for idempotent archive calls",
		EnvVar: "ARCHIVE_MAX_ATTEMPTS",
	})
	auditStreamName := app.String(cli.StringOpt{
		Name:   "auditStreamName",
		Desc:   "Kinesis stream receiving access audit events, disabled when empty",
		EnvVar: "AUDIT_STREAM_NAME",
	})
	awsRegion := app.String(cli.StringOpt{
		Name:   "awsRegion",
		Value:  "eu-west-1",
		Desc:   "AWS Region of the audit stream",
		EnvVar: "AWS_REGION",
	})

	app.Action = func() {
		logger.InitLogger(*appSystemCode, *logLevel)
		logger.Infof("[Startup] %s is starting", *appSystemCode)

		var publisher audit.Publisher = audit.NopPublisher{}
		if *auditStreamName != "" {
			kp, err := audit.NewKinesisPublisher(*auditStreamName, *awsRegion)
			if err != nil {
				log.Fatalf("Error creating Kinesis audit publisher: %v", err)
			}
			publisher = kp
		}

		cfg := broker.Config{
			ArchiveURL:         *archiveURL,
			ArchiveUsername:    *archiveUsername,
			ArchivePassword:    *archivePassword,
			AuthURL:            *authURL,
			AuthUsername:       *authUsername,
			AuthPassword:       *authPassword,
			TokenDialect:       *tokenDialect,
			TokenPath:          *tokenPath,
			TokenField:         *tokenField,
			TokenType:          *tokenType,
			TokenValidity:      time.Duration(*tokenValiditySeconds) * time.Second,
			ViewerURL:          *viewerURL,
			ViewerTokenParam:   *viewerTokenParam,
			UpstreamTimeout:    time.Duration(*upstreamTimeoutSeconds) * time.Second,
			ArchiveMaxAttempts: *archiveMaxAttempts,
		}
		svc, err := broker.NewServiceFromConfig(cfg, publisher, metrics.DefaultRegistry)
		if err != nil {
			log.Fatalf("Invalid broker configuration: %v", err)
		}

		handler := broker.NewHandler(svc, time.Duration(*requestTimeoutSeconds)*time.Second)
		healthService := broker.NewHealthService(svc, *appSystemCode, *appName, *port, appDescription)
		serveMux := handler.RegisterHandlers(healthService, *corsAllowedOrigins, *requestLoggingEnabled, metrics.DefaultRegistry)

		srv := &http.Server{
			Addr:         ":" + *port,
			Handler:      serveMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: time.Duration(*requestTimeoutSeconds+5) * time.Second,
		}
		go func() {
			logger.Infof("Listening on %v", *port)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Unable to start server: %v", err)
			}
		}()

		waitForSignal()
		logger.Info("[Shutdown] study-access-broker is shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Server forced to shutdown")
		}
	}

	if err := app.Run(os.Args); err != nil {
		logger.WithError(err).Error("App could not start")
		os.Exit(1)
	}
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}
