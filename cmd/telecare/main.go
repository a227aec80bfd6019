package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/HMasataka/telecare/internal/signaling"
	"github.com/HMasataka/telecare/internal/visit"
	"github.com/HMasataka/telecare/pkg/call"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	var (
		broker     = flag.String("broker", "ws://localhost:8080/ws", "signaling broker URL")
		redisAddr  = flag.String("redis", "", "use redis signaling instead of the broker (host:port)")
		postgres   = flag.String("postgres", "", "postgres DSN for the visit log (optional)")
		configPath = flag.String("config", "", "TOML config path (optional)")
		userID     = flag.String("user", "", "user ID")
		mode       = flag.String("mode", "listen", "listen | call | answer")
		peerID     = flag.String("peer", "", "callee user ID (mode=call)")
		callID     = flag.String("call", "", "call ID to answer (mode=answer; empty answers the first incoming)")
		audioOnly  = flag.Bool("audio-only", false, "request an audio-only call")
	)
	flag.Parse()

	if *userID == "" {
		slog.Error("missing -user")
		os.Exit(1)
	}

	cfg := call.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = call.LoadConfig(*configPath); err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	channel, closeChannel, err := dialChannel(ctx, *broker, *redisAddr)
	if err != nil {
		slog.Error("failed to connect to signaling", "error", err)
		os.Exit(1)
	}
	defer closeChannel()

	var visits call.VisitStore
	if *postgres != "" {
		opts := visit.DefaultOptions()
		opts.DSN = *postgres
		store, err := visit.NewStore(opts)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			slog.Error("failed to migrate visit schema", "error", err)
			os.Exit(1)
		}
		visits = store
	}

	controller := call.NewController(cfg, channel, call.NewSyntheticSource(), *userID, visits)

	go logEvents(controller.Events())

	switch *mode {
	case "call":
		if *peerID == "" {
			slog.Error("missing -peer for mode=call")
			os.Exit(1)
		}
		result, err := controller.StartCall(ctx, *peerID, *audioOnly)
		if err != nil {
			slog.Error("failed to start call", "error", err)
			os.Exit(1)
		}
		slog.Info("calling", slog.String("call_id", result.Record.CallID), slog.Bool("audio_only", result.AudioOnly))

	case "answer":
		id := *callID
		if id == "" {
			records, err := controller.CheckForIncomingCalls(ctx)
			if err != nil || len(records) == 0 {
				slog.Error("no incoming calls", "error", err)
				os.Exit(1)
			}
			id = records[0].CallID
		}
		result, err := controller.AnswerCall(ctx, id)
		if err != nil {
			slog.Error("failed to answer call", "error", err)
			os.Exit(1)
		}
		slog.Info("answered", slog.String("call_id", result.Record.CallID), slog.Bool("audio_only", result.AudioOnly))

	case "listen":
		unsub, err := controller.ListenForIncomingCalls(ctx)
		if err != nil {
			slog.Error("failed to watch incoming calls", "error", err)
			os.Exit(1)
		}
		defer unsub()
		slog.Info("waiting for incoming calls", slog.String("user_id", *userID))

	default:
		slog.Error("unknown mode", slog.String("mode", *mode))
		os.Exit(1)
	}

	<-ctx.Done()

	slog.Info("hanging up...")
	if err := controller.HangUp(context.Background()); err != nil {
		slog.Error("failed to hang up", "error", err)
	}
}

func dialChannel(ctx context.Context, brokerURL, redisAddr string) (signaling.Channel, func(), error) {
	if redisAddr != "" {
		opts := signaling.DefaultRedisChannelOptions()
		opts.Addr = redisAddr
		ch, err := signaling.NewRedisChannel(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		return ch, func() { ch.Close() }, nil
	}

	opts := signaling.DefaultSocketChannelOptions()
	opts.URL = brokerURL
	ch, err := signaling.DialSocketChannel(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return ch, func() { ch.Close() }, nil
}

func logEvents(events <-chan call.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case call.IncomingCall:
			slog.Info("incoming call",
				slog.String("call_id", e.Record.CallID),
				slog.String("caller_id", e.Record.CallerID),
				slog.Bool("audio_only", e.Record.AudioOnly))
		case call.RemoteStreamReceived:
			slog.Info("remote stream received", slog.String("call_id", e.CallID))
		case call.ConnectionStateChanged:
			slog.Info("connection state",
				slog.String("call_id", e.CallID),
				slog.String("state", e.State.String()),
				slog.String("ice_state", e.ICEState.String()))
		case call.QualityChanged:
			slog.Info("connection quality", slog.String("call_id", e.CallID), slog.String("quality", string(e.Quality)))
		case call.ScreenShareEnded:
			slog.Info("screen share ended", slog.String("call_id", e.CallID), slog.Bool("camera_restored", e.Restored))
		}
	}
}
