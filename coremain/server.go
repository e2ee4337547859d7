package coremain

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/replaycache/mlog"
	"github.com/pmkol/replaycache/pkg/api"
	"github.com/pmkol/replaycache/pkg/epochsource"
	"github.com/pmkol/replaycache/pkg/replay"
	"github.com/pmkol/replaycache/pkg/safe_close"
)

type Server struct {
	logger *zap.Logger

	cache   *replay.Cache
	watcher *epochsource.FileWatcher

	httpAPIMux    *http.ServeMux
	httpAPIServer *http.Server

	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// RunServer opens the cache and serves it until sc receives a close
// signal, SIGINT or SIGTERM.
func RunServer(cfg *Config, sc *safe_close.SafeClose) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	mlog.SetLogger(lg)

	httpAddr := cfg.API.HTTP
	if len(httpAddr) == 0 {
		return errors.New("no api address is configured")
	}

	s := &Server{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         sc,
	}

	s.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(s.metricsReg, promhttp.HandlerOpts{}))
	s.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	s.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	s.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	s.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	s.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	cacheCfg := cfg.Cache
	cacheCfg.Logger = lg.Named("cache")
	cacheCfg.Metrics = s.GetMetricsReg()
	if f := cfg.EpochSource.File; len(f) > 0 && cacheCfg.StartingEpoch == 0 {
		e, err := epochsource.ReadEpoch(f)
		if err != nil {
			return fmt.Errorf("failed to read starting epoch, %w", err)
		}
		cacheCfg.StartingEpoch = e
	}

	s.cache, err = replay.Open(cacheCfg)
	if err != nil {
		return fmt.Errorf("failed to open cache, %w", err)
	}
	defer func() {
		if err := s.cache.Close(); err != nil {
			lg.Error("failed to close cache", zap.Error(err))
		}
	}()

	s.httpAPIMux.Handle("/api/", http.StripPrefix("/api", api.NewHandler(s.cache, api.Opts{
		Timeout: cfg.API.Timeout,
		Logger:  lg.Named("api"),
	})))

	if f := cfg.EpochSource.File; len(f) > 0 {
		s.watcher, err = epochsource.NewFileWatcher(s.cache, epochsource.WatcherOpts{
			File:     f,
			Debounce: cfg.EpochSource.Debounce,
			Logger:   lg.Named("epoch_source"),
		})
		if err != nil {
			return err
		}
		defer s.watcher.Close()
	}

	// Start http api server
	s.httpAPIServer = &http.Server{
		Addr:    httpAddr,
		Handler: s.httpAPIMux,
	}
	s.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			s.logger.Info("starting api http server", zap.String("addr", httpAddr))
			errChan <- s.httpAPIServer.ListenAndServe()
		}()
		select {
		case err := <-errChan:
			s.sc.SendCloseSignal(err)
		case <-closeSignal:
			s.httpAPIServer.Close()
		}
	})

	s.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sig)
		select {
		case v := <-sig:
			s.logger.Info("signal received, exiting", zap.Stringer("signal", v))
			s.sc.SendCloseSignal(nil)
		case <-closeSignal:
		}
	})

	<-s.sc.ReceiveCloseSignal()
	s.sc.Done()
	s.sc.CloseWait()
	return s.sc.Err()
}

func (s *Server) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("replaycache_", s.metricsReg)
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
