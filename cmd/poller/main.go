package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"seniorpill/dblayer"
	"seniorpill/dedup"
	"seniorpill/healthz"
	"seniorpill/notify"
	"seniorpill/poller"
	"seniorpill/reminders"

	"cloud.google.com/go/firestore"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/sendgrid/sendgrid-go"
	"google.golang.org/api/option"
)

var (
	debugListen         = flag.String("debug-listen", "127.0.0.1:8001", "Server address:port for debug endpoint.")
	recheckPeriod       = flag.Duration("recheck-period", 10*time.Second, "Time between scheduler passes")
	dataProject         = flag.String("data-project", "", "GCP project that contains the application state.")
	sendgridKeySecret   = flag.String("sendgrid-key-secret", "", "GCP Secret Manager secret name that contains the Sendgrid API key")
	fromName            = flag.String("from-name", "SeniorPill Alerts", "Display name on outgoing notification emails")
	fromEmail           = flag.String("from-email", "alerts@seniorpill.example.com", "Sender address on outgoing notification emails")
	firebaseCredentials = flag.String("firebase-credentials", "", "Path to the Firebase service account key; push notifications are disabled when empty")
	defaultTimezone     = flag.String("default-timezone", "UTC", "IANA zone used for patients without a timezone of their own")
	lowStockPolicy      = flag.String("low-stock-policy", "edge", "Low-stock re-arm policy: edge or level")
	watchSettings       = flag.Bool("watch-settings", true, "Re-evaluate a patient immediately when their settings change")
	sendTimeout         = flag.Duration("send-timeout", 30*time.Second, "Bound on each outbound email or push call")
)

func main() {
	flag.Parse()

	slog.Info("Starting up")
	slog.Info(
		"Flags",
		slog.String("debug-listen", *debugListen),
		slog.Duration("recheck-period", *recheckPeriod),
		slog.String("data-project", *dataProject),
		slog.String("sendgrid-key-secret", *sendgridKeySecret),
		slog.String("default-timezone", *defaultTimezone),
		slog.String("low-stock-policy", *lowStockPolicy),
		slog.Bool("watch-settings", *watchSettings),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := do(ctx); err != nil {
		slog.ErrorContext(ctx, "Error", slog.Any("err", err))
		os.Exit(255)
	}
}

func do(ctx context.Context) error {
	cfg, err := schedulerConfig()
	if err != nil {
		return err
	}

	sg, err := newSendgridClient(ctx)
	if err != nil {
		return fmt.Errorf("while creating Sendgrid client: %w", err)
	}

	fstore, err := firestore.NewClient(ctx, *dataProject)
	if err != nil {
		return fmt.Errorf("while creating FireStore client: %w", err)
	}

	db := dblayer.New(fstore)

	var (
		pusher notify.Pusher
		tokens notify.TokenResolver
	)
	if *firebaseCredentials != "" {
		fcm, err := newMessagingClient(ctx)
		if err != nil {
			return fmt.Errorf("while creating FCM client: %w", err)
		}
		pusher = notify.NewFCMPusher(fcm)
		tokens = db.FCMTokenForUser
	} else {
		slog.InfoContext(ctx, "No Firebase credentials; push notifications disabled")
	}

	ledger := dedup.New(dedup.DefaultCompactLimit)
	evaluator := reminders.New(cfg, ledger)
	mailer := notify.NewSendGridMailer(sg, *fromName, *fromEmail)
	dispatcher := notify.NewDispatcher(mailer, pusher, tokens, ledger, *sendTimeout)

	health := healthz.New()
	health.SetReady(true)

	debugServeMux := http.NewServeMux()
	debugServeMux.Handle("/healthz", health)
	debugServeMux.Handle("/readyz", health)
	debugServeMux.HandleFunc("/debug/pprof/", pprof.Index)
	debugServeMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	debugServeMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	debugServeMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	debugServeMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	debugServer := &http.Server{
		Addr:    *debugListen,
		Handler: debugServeMux,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	scheduler := poller.New(db, evaluator, dispatcher, *recheckPeriod, *watchSettings)

	go func() {
		if err := debugServer.ListenAndServe(); err != nil {
			slog.ErrorContext(ctx, "Debug server died", slog.Any("err", err))
			os.Exit(255)
		}
	}()

	go func() {
		scheduler.Run(ctx)
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	return nil
}

func schedulerConfig() (reminders.Config, error) {
	cfg := reminders.DefaultConfig()

	loc, err := time.LoadLocation(*defaultTimezone)
	if err != nil {
		return cfg, fmt.Errorf("while loading default timezone %q: %w", *defaultTimezone, err)
	}
	cfg.DefaultLocation = loc

	switch *lowStockPolicy {
	case "edge":
		cfg.LowStockPolicy = reminders.LowStockEdge
	case "level":
		cfg.LowStockPolicy = reminders.LowStockLevel
	default:
		return cfg, fmt.Errorf("unknown low-stock policy %q", *lowStockPolicy)
	}

	return cfg, nil
}

func newSendgridClient(ctx context.Context) (*sendgrid.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	secretClient, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("while creating Secret Manager client: %w", err)
	}
	defer secretClient.Close()

	resp, err := secretClient.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", *dataProject, *sendgridKeySecret),
	})
	if err != nil {
		return nil, fmt.Errorf("while pulling secret: %w", err)
	}

	return sendgrid.NewSendClient(string(resp.GetPayload().GetData())), nil
}

func newMessagingClient(ctx context.Context) (*messaging.Client, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: *dataProject},
		option.WithCredentialsFile(*firebaseCredentials))
	if err != nil {
		return nil, fmt.Errorf("while initializing Firebase app: %w", err)
	}

	return app.Messaging(ctx)
}
