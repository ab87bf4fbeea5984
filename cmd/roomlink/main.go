package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codepair/roomlink/internal/backoff"
	"github.com/codepair/roomlink/internal/config"
	"github.com/codepair/roomlink/internal/rooms"
	"github.com/codepair/roomlink/internal/session"
	"github.com/codepair/roomlink/internal/stunprobe"
)

// Application holds all components for one running session.
type Application struct {
	config  *config.Config
	log     *zap.Logger
	rooms   *rooms.Client
	session *session.Session
}

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		token      = flag.String("token", "", "room invite token")
		role       = flag.String("role", "candidate", "participant role: interviewer or candidate")
		userName   = flag.String("name", "", "display name used in chat")
		apiURL     = flag.String("api-url", "", "room service base URL (overrides config)")
		peerURL    = flag.String("peer-url", "", "signaling base URL (overrides config)")
	)
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := loadConfig(*configPath, *apiURL, *peerURL)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	if *token == "" {
		log.Fatal("a room invite token is required, pass -token")
	}

	app, err := NewApplication(cfg, log)
	if err != nil {
		log.Fatal("failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	if err := app.Run(*token, session.Role(*role), *userName); err != nil {
		log.Fatal("session failed", zap.Error(err))
	}
}

func loadConfig(path, apiURL, peerURL string) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if apiURL != "" {
		cfg.Server.APIBaseURL = apiURL
	}
	if peerURL != "" {
		cfg.Server.PeerBaseURL = peerURL
	}
	return cfg, cfg.Validate()
}

func NewApplication(cfg *config.Config, log *zap.Logger) (*Application, error) {
	return &Application{
		config: cfg,
		log:    log,
		rooms:  rooms.NewClient(cfg.Server.APIBaseURL, "", backoff.Policy(cfg.Reconnect), log),
	}, nil
}

func (app *Application) Run(token string, role session.Role, userName string) error {
	// Fail fast on an expired invite before touching the network.
	if _, err := rooms.ParseInviteToken(token, time.Now()); err != nil {
		return err
	}

	// A failed probe is logged, not fatal; ICE still gets its chance.
	if err := stunprobe.Check(app.config.Server.StunServerURL, app.log); err != nil {
		app.log.Warn("STUN probe failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	room, err := app.rooms.Join(ctx, token)
	if err != nil {
		return err
	}
	app.log.Info("joined room",
		zap.String("roomID", room.ID),
		zap.String("candidate", room.CandidateName))

	sess, err := session.New(app.config, session.Options{
		Room:     room,
		Token:    token,
		Role:     role,
		UserName: userName,
		OnStatus: func(status session.Status) {
			if status.Err != nil {
				app.log.Warn("session status", zap.String("status", status.Text), zap.Error(status.Err))
				return
			}
			app.log.Info("session status", zap.String("status", status.Text))
		},
	}, app.log)
	if err != nil {
		return err
	}
	app.session = sess

	sess.Start()
	<-ctx.Done()
	app.log.Info("shutting down")
	return nil
}

func (app *Application) Cleanup() {
	if app.session != nil {
		if err := app.session.Close(); err != nil {
			app.log.Warn("session close failed", zap.Error(err))
		}
	}
}
