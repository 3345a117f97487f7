package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/arzzra/fsmrf/internal/config"
	"github.com/arzzra/fsmrf/pkg/logger"
	"github.com/arzzra/fsmrf/pkg/mrf"
	"github.com/arzzra/fsmrf/pkg/signaling"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации:\n%v\n", err)
		os.Exit(2)
	}

	log, closeLog := initLogging(cfg.Logging, cfg.LogLevel())
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.LogError(context.Background(), err, "завершение с ошибкой")
		closeLog()
		os.Exit(1)
	}
}

// initLogging пишет в stdout и, если задан файл, в файл с ротацией
func initLogging(cfg config.Logging, level logger.LogLevel) (logger.StructuredLogger, func()) {
	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stdout, file)
		closeFn = func() { _ = file.Close() }
	}

	log := logger.NewLogger(out, level, cfg.JSON)
	logger.SetDefaultLogger(log)
	return log.WithComponent("main"), closeFn
}

func run(ctx context.Context, cfg *config.Config, log logger.StructuredLogger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ua, err := signaling.NewUserAgent(cfg.SignalingConfig(), log)
	if err != nil {
		return err
	}
	defer ua.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ua.ListenAndServe(gctx) })

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsHandler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info(gctx, "HTTP сервер метрик запущен", logger.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	m := mrf.New(ua, cfg.MrfConfig(reg), log)
	defer m.Close()

	g.Go(func() error { return serveConference(gctx, cfg, ua, m, log) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// serveConference подключается к FreeSWITCH, создает конференцию и держит ее
// до отмены ctx. Входящие вызовы подключаются участниками.
func serveConference(ctx context.Context, cfg *config.Config, ua *signaling.UserAgent, m *mrf.Mrf, log logger.StructuredLogger) error {
	ms, err := m.Connect(ctx, cfg.MediaServerConfig())
	if err != nil {
		return err
	}

	conf, err := ms.CreateConference(ctx, cfg.Conference.Name, cfg.ConferenceOptions())
	if err != nil {
		return err
	}
	log = log.WithFields(logger.String("conference", conf.Name()))
	log.Info(ctx, "конференция создана", logger.String("conf_uuid", conf.UUID()))

	conf.OnEvent(func(ev mrf.ConferenceEvent) {
		switch ev.Action {
		case mrf.ActionAddMember, mrf.ActionDelMember:
			log.Info(context.Background(), string(ev.Action),
				logger.Int("member_id", ev.MemberID),
				logger.Int("size", ev.Size))
		}
	})

	if cfg.Conference.AcceptCalls {
		ua.OnIncomingCall(func(call signaling.IncomingCall) {
			go admitCaller(ctx, ms, conf, call, log)
		})
	}

	if cfg.Conference.RecordFile != "" {
		if err := conf.StartRecording(ctx, cfg.Conference.RecordFile); err != nil {
			log.LogError(ctx, err, "не удалось начать запись")
		}
	}

	if len(cfg.Conference.Prompts) > 0 {
		go func() {
			totals, err := conf.Play(ctx, cfg.Conference.Prompts...)
			if err != nil {
				log.LogError(ctx, err, "воспроизведение прервано")
				return
			}
			log.Info(ctx, "воспроизведение завершено",
				logger.String("files", strings.Join(cfg.Conference.Prompts, ",")),
				logger.Int("seconds", totals.Seconds),
				logger.Int("samples", totals.Samples))
		}()
	}

	select {
	case <-ctx.Done():
	case <-conf.Endpoint().Done():
		return fmt.Errorf("управляющий участник конференции %s отключен", conf.Name())
	case <-ms.Done():
		return fmt.Errorf("потеряно соединение с медиа сервером %s", ms.Address())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cfg.Conference.RecordFile != "" {
		_ = conf.StopRecording(shutdownCtx, cfg.Conference.RecordFile)
	}
	if err := conf.Destroy(shutdownCtx); err != nil {
		log.LogError(shutdownCtx, err, "не удалось завершить конференцию")
	}
	return ctx.Err()
}

// admitCaller соединяет входящий вызов с медиа сервером и добавляет его в конференцию
func admitCaller(ctx context.Context, ms *mrf.MediaServer, conf *mrf.Conference, call signaling.IncomingCall, log logger.StructuredLogger) {
	log = log.WithFields(logger.String("call_id", call.CallID()))

	ep, dialog, err := ms.ConnectCaller(ctx, call, mrf.EndpointOptions{})
	if err != nil {
		log.LogError(ctx, err, "не удалось подключить вызов")
		_ = call.Reject(503, "Service Unavailable")
		return
	}

	res, err := ep.JoinConference(ctx, conf, mrf.JoinOptions{})
	if err != nil {
		log.LogError(ctx, err, "не удалось добавить вызов в конференцию")
		byeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = ep.Destroy(byeCtx)
		_ = dialog.Bye(byeCtx)
		return
	}
	log.Info(ctx, "вызов добавлен в конференцию", logger.Int("member_id", res.MemberID))

	// Вызывающая сторона положила трубку
	select {
	case <-dialog.Done():
		byeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = ep.Destroy(byeCtx)
	case <-ep.Done():
		byeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = dialog.Bye(byeCtx)
	case <-ctx.Done():
	}
}
