package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rviscarra/remotedesk/internal/config"
	"github.com/rviscarra/remotedesk/internal/controller"
	"github.com/rviscarra/remotedesk/internal/coordinator"
	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/notify"
	"github.com/rviscarra/remotedesk/internal/wire"
)

const (
	pushReadyTimeout = 3 * time.Second
	reportTimeout    = 5 * time.Second
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <device code>\n", os.Args[0])
		pflag.PrintDefaults()
	}

	configPath := pflag.StringP("config", "c", "", "path to the viewer YAML config")
	coordinatorURL := pflag.String("coordinator", "", "coordinator base URL, overrides the config")
	output := pflag.StringP("output", "o", "", "file that receives the latest frame")
	sessionURL := pflag.String("rtc-url", "", "agent /api/session URL; streams over WebRTC when set")
	typed := pflag.String("keys", "", "text typed on the remote screen once streaming starts")
	duration := pflag.Duration("duration", 0, "stop after this long, 0 streams until interrupted")
	pflag.Parse()

	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadViewer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Can't load config: %v\n", err)
		os.Exit(1)
	}

	if *coordinatorURL != "" {
		cfg.CoordinatorURL = *coordinatorURL
	}
	if *output != "" {
		cfg.Output = *output
	}
	if *sessionURL != "" {
		cfg.SessionURL = *sessionURL
	}
	if cfg.RequesterID == "" {
		cfg.RequesterID, _ = os.Hostname()
	}

	log, err := logger.Init(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Can't init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if err := run(ctx, cfg, pflag.Arg(0), *typed, log); err != nil {
		log.Error().Err(err).Msg("Viewer stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Viewer, target, typed string, log logger.Logger) error {
	client := coordinator.NewClient(cfg.CoordinatorURL, nil)
	v := controller.New(cfg, client, log)

	pushURL, err := client.PushURL()
	if err != nil {
		return err
	}

	pushCtx, cancelPush := context.WithCancel(ctx)
	defer cancelPush()

	push := notify.NewClient(notify.ClientOptions{
		URL:      pushURL,
		Identity: cfg.RequesterID,
		Role:     "controller",
	}, log)
	go func() { _ = push.Run(pushCtx) }()

	readyCtx, cancelReady := context.WithTimeout(ctx, pushReadyTimeout)
	if err := push.WaitReady(readyCtx); err != nil {
		log.Warn().Err(err).Msg("Push channel unavailable, polling for the answer")
	}
	cancelReady()

	resp, err := v.Request(ctx, target)
	if err != nil {
		return err
	}

	log.Info().Str("request_id", resp.RequestID).Msg("Waiting for the host to approve")

	endpoint, err := v.WaitEndpoint(ctx, resp.RequestID, push.Events())
	if err != nil {
		return err
	}

	conn, err := v.Dial(ctx, endpoint)
	if err != nil {
		endRequest(v, resp.RequestID, "dial failed", log)
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	if err := v.Connected(ctx, resp.RequestID); err != nil {
		log.Warn().Err(err).Msg("Failed to report connection")
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	go func() {
		if reason, ok := <-controller.Ended(push.Events(), resp.RequestID); ok {
			log.Info().Str("reason", reason).Msg("Session ended by the coordinator")
			cancelStream()
		}
	}()

	log.Info().Str("endpoint", endpoint).Str("output", cfg.Output).Msg("Streaming")

	frames, err := v.Stream(streamCtx, conn, controller.FileSink{Path: cfg.Output}, keystrokes(typed))

	reason := "viewer closed"
	if err != nil {
		reason = err.Error()
	}
	endRequest(v, resp.RequestID, reason, log)

	log.Info().Int64("frames", frames).Msg("Stream closed")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func endRequest(v *controller.Viewer, requestID, reason string, log logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	if err := v.End(ctx, requestID, reason); err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("Failed to end request")
	}
}

// keystrokes turns text into key presses. Latin-1 runes are their own
// keysyms.
func keystrokes(text string) <-chan *wire.InputEvent {
	ch := make(chan *wire.InputEvent, 2*len(text))

	for _, r := range text {
		if r > 0xff {
			continue
		}

		ch <- &wire.InputEvent{Type: wire.InputKey, Code: int(r), Down: true}
		ch <- &wire.InputEvent{Type: wire.InputKey, Code: int(r)}
	}

	close(ch)

	return ch
}
