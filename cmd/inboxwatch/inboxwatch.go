// The inboxwatch command polls a Gmail inbox and pushes new messages
// to a browser dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/pkg/browser"
	"github.com/pkg/errors"

	"github.com/matta/inboxwatch/internal/auth"
	"github.com/matta/inboxwatch/internal/broadcast"
	"github.com/matta/inboxwatch/internal/config"
	"github.com/matta/inboxwatch/internal/extract"
	"github.com/matta/inboxwatch/internal/gmail"
	"github.com/matta/inboxwatch/internal/homedir"
	"github.com/matta/inboxwatch/internal/logger"
	"github.com/matta/inboxwatch/internal/monitor"
	"github.com/matta/inboxwatch/internal/persist"
	"github.com/matta/inboxwatch/internal/poll"
	"github.com/matta/inboxwatch/internal/server"
	"github.com/matta/inboxwatch/internal/tracehttp"
)

var (
	flagTrace = flag.Bool("T", false, "request debug tracing")
)

// tokenAccount keys the single monitored account in the token
// database.
const tokenAccount = "default"

func tokenStore(ctx context.Context, cfg *config.AuthConfig, log logger.Logger) (auth.TokenStore, func(), error) {
	if cfg.TokenDB == "" {
		log.Infof("using token file %q", cfg.TokenPath)
		return auth.FileTokenStore{Path: cfg.TokenPath}, func() {}, nil
	}
	db, err := persist.Open(ctx, homedir.Expand(cfg.TokenDB), log)
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to initialize token database")
	}
	return persist.TokenStore{DB: db, Account: tokenAccount}, func() { db.Close() }, nil
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	var base http.RoundTripper
	if *flagTrace || cfg.App.TraceHTTP {
		base = tracehttp.Wrap(nil, log.With("component", "tracehttp"))
	}

	tokens, closeTokens, err := tokenStore(ctx, cfg.Auth, log)
	if err != nil {
		return err
	}
	defer closeTokens()

	store := &auth.Store{
		CredentialsPath: cfg.Auth.CredentialsPath,
		CredentialsJSON: cfg.Auth.CredentialsJSON,
		RedirectURL:     cfg.RedirectURL(),
		Tokens:          tokens,
		Base:            base,
		Log:             log.With("component", "auth"),
	}

	hub := broadcast.NewHub(log.With("component", "broadcast"))
	poller := poll.New(poll.Config{
		Interval:        cfg.Monitor.PollInterval,
		SnapshotSize:    cfg.Monitor.SnapshotSize,
		UnreadBatchSize: cfg.Monitor.UnreadBatchSize,
		Concurrency:     cfg.Monitor.FetchConcurrency,
	}, extract.Extractor{MaxBodyChars: cfg.Monitor.BodyMaxChars}, hub, log.With("component", "poll"))
	defer poller.Stop()

	gmailLog := log.With("component", "gmail")
	newClient := func(ctx context.Context, hc *http.Client) (poll.MailClient, error) {
		c, err := gmail.New(ctx, hc, gmailLog)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	svc := monitor.New(store, newClient, poller, hub, cfg.Monitor.SnapshotSize, log.With("component", "monitor"))
	if cfg.LaunchBrowser() {
		svc.OpenURL = browser.OpenURL
	}

	srv := server.New(server.Config{
		Port:            cfg.App.Port,
		ViewerQueueSize: cfg.App.ViewerQueueSize,
	}, svc, store, log.With("component", "server"))

	log.Infof("Gmail monitor started, open http://0.0.0.0:%s", cfg.App.Port)
	if !store.HasCredentials() {
		log.Warnf("no %s and no GOOGLE_CREDENTIALS; download client credentials from the Google Cloud Console",
			cfg.Auth.CredentialsPath)
	}
	log.Infof("OAuth redirect URL %s", cfg.RedirectURL())

	return srv.Run(ctx)
}

func main() {
	flag.Parse()

	cfg, dotenv, err := config.Load()
	if err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
	appLog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed: unable to initialize logger: %v\n", err)
	}
	defer appLog.Sync()
	if !dotenv {
		appLog.Debug("no .env file found")
	}
	if !cfg.Logger.DevMode {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := run(ctx, cfg, appLog); err != nil {
		appLog.Errorf("Failed: %v", err)
		appLog.Sync()
		os.Exit(1)
	}
	fmt.Print("Shut down.\n")
}
