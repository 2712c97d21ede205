package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rviscarra/remotedesk/internal/agent"
	"github.com/rviscarra/remotedesk/internal/api"
	"github.com/rviscarra/remotedesk/internal/config"
	"github.com/rviscarra/remotedesk/internal/coordinator"
	"github.com/rviscarra/remotedesk/internal/encoders"
	"github.com/rviscarra/remotedesk/internal/gate"
	"github.com/rviscarra/remotedesk/internal/input"
	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/pipeline"
	"github.com/rviscarra/remotedesk/internal/rdisplay"
	"github.com/rviscarra/remotedesk/internal/rtc"
	"github.com/rviscarra/remotedesk/internal/session"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the agent YAML config")
	coordinatorURL := pflag.String("coordinator", "", "coordinator base URL, overrides the config")
	autoApprove := pflag.Bool("auto-approve", false, "accept every request without prompting")
	pflag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Can't load config: %v\n", err)
		os.Exit(1)
	}

	if *coordinatorURL != "" {
		cfg.CoordinatorURL = *coordinatorURL
	}

	if *autoApprove {
		cfg.AutoApprove = true
	}

	log, err := logger.Init(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Can't init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("Agent stopped")
		os.Exit(1)
	}
}

func run(cfg *config.Agent, log logger.Logger) error {
	video := rdisplay.NewVideoProvider(log)

	screen, err := rdisplay.FindScreen(video, cfg.Capture.Screen)
	if err != nil {
		return fmt.Errorf("can't get screens: %w", err)
	}

	capturer, err := video.NewCapturer(screen)
	if err != nil {
		return fmt.Errorf("can't init video: %w", err)
	}
	defer capturer.Close()

	var cursor rdisplay.CursorSource
	if !cfg.Capture.HideCursor {
		src, err := rdisplay.NewX11CursorSource()
		if err != nil {
			log.Warn().Err(err).Msg("Cursor overlay unavailable")
		} else {
			defer src.Close()
			cursor = src
		}
	}

	codec, err := encoders.ParseCodec(cfg.Capture.Codec)
	if err != nil {
		return fmt.Errorf("codec %q: %w", cfg.Capture.Codec, err)
	}

	fps := int(time.Second / cfg.Capture.FrameInterval.D())
	enc, err := encoders.NewEncoderService().NewEncoder(codec, encoders.Params{
		Size:      image.Pt(cfg.Capture.Width, cfg.Capture.Height),
		FrameRate: max(fps, 1),
		Quality:   cfg.Capture.Quality,
	})
	if err != nil {
		return fmt.Errorf("can't create an encoder of codec = %v: %w", codec, err)
	}
	defer enc.Close()

	frames := pipeline.New(capturer, cursor, enc, pipeline.Options{
		Width:      cfg.Capture.Width,
		Height:     cfg.Capture.Height,
		HideCursor: cfg.Capture.HideCursor,
	}, log)

	var injector input.Injector = input.Noop{}
	if !cfg.Input.Disabled {
		xt, err := input.NewXTestInjector()
		if err != nil {
			log.Warn().Err(err).Msg("Input injection unavailable")
		} else {
			injector = xt
		}
	}
	defer injector.Close()

	dispatcher := input.NewDispatcher(injector, screen.Bounds, log)

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}

	g := gate.New(listener, gate.Options{
		Timeout:         cfg.ApprovalTimeout.D(),
		ReadPoll:        cfg.Transport.ReadPoll.D(),
		WriteTimeout:    cfg.Transport.WriteTimeout.D(),
		RequireApproval: cfg.RequireApproval,
	}, log)
	defer g.Wait()
	defer g.Close()

	var approver agent.Approver = agent.NewPromptApprover(os.Stdin, os.Stdout)
	if cfg.AutoApprove {
		approver = agent.AutoApprover{}
	}

	client := coordinator.NewClient(cfg.CoordinatorURL, nil)
	a := agent.New(cfg, client, g, approver, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := a.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to mark device offline")
		}
	}()

	webrtc := rtc.NewRemoteScreenService(cfg.Transport.STUN, g, log)

	mux := http.NewServeMux()
	mux.Handle("/api/", http.StripPrefix("/api", api.MakeHandler(webrtc, video, screen.Index, log)))

	srv := &http.Server{Addr: cfg.HTTPListen, Handler: mux}

	conns := make(chan net.Conn)
	loop := session.New(conns, frames, dispatcher, a.Hooks(), session.Options{
		FrameInterval:     cfg.Capture.FrameInterval.D(),
		HeartbeatInterval: cfg.HeartbeatInterval.D(),
		ReadPoll:          cfg.Transport.ReadPoll.D(),
		WriteTimeout:      cfg.Transport.WriteTimeout.D(),
	}, log)

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Info().Str("addr", cfg.HTTPListen).Msg("Starting signaling server")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		_ = g.Close()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(sctx)
	})

	eg.Go(func() error {
		defer close(conns)

		for {
			conn, err := g.Accept()
			if err != nil {
				return nil
			}

			select {
			case conns <- conn:
			case <-ctx.Done():
				_ = conn.Close()
				return nil
			}
		}
	})

	eg.Go(func() error {
		err := a.Run(ctx)
		a.Wait()

		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	eg.Go(func() error {
		return loop.Run(ctx)
	})

	log.Info().
		Str("device_code", a.Code().Grouped()).
		Str("endpoint", a.Endpoint()).
		Int("screen", screen.Index).
		Str("codec", codec.String()).
		Msg("Agent ready")

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
