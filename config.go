package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"inscribe/device"
	"inscribe/fsm"
	"inscribe/helper"
	"inscribe/history"
	"inscribe/logging"
)

type config struct {
	LogLevel  string
	LogFormat string

	HelperPath   string
	SudoersPath  string
	ManifestPath string

	StateDir     string
	CacheDir     string
	MountsSource string
	MetricsAddr  string
	S3Region     string

	Samples    int
	SampleSize int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "warn")
	v.SetDefault("log_format", "text")
	v.SetDefault("helper_path", helper.DefaultHelperPath)
	v.SetDefault("sudoers_path", helper.DefaultSudoersPath)
	v.SetDefault("manifest_path", "/usr/local/share/inscribe/helper.yaml")
	v.SetDefault("state_dir", defaultStateDir())
	v.SetDefault("cache_dir", defaultCacheDir())
	v.SetDefault("mounts_source", "proc")
	v.SetDefault("samples", 8)
	v.SetDefault("sample_size", 1<<20)
}

func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "inscribe")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "inscribe")
	}
	return filepath.Join(home, ".local", "state", "inscribe")
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "inscribe-cache")
	}
	return filepath.Join(dir, "inscribe")
}

func loadConfig(v *viper.Viper) config {
	return config{
		LogLevel:     v.GetString("log_level"),
		LogFormat:    v.GetString("log_format"),
		HelperPath:   v.GetString("helper_path"),
		SudoersPath:  v.GetString("sudoers_path"),
		ManifestPath: v.GetString("manifest_path"),
		StateDir:     v.GetString("state_dir"),
		CacheDir:     v.GetString("cache_dir"),
		MountsSource: v.GetString("mounts_source"),
		MetricsAddr:  v.GetString("metrics_addr"),
		S3Region:     v.GetString("s3_region"),
		Samples:      v.GetInt("samples"),
		SampleSize:   v.GetInt("sample_size"),
	}
}

// app carries the configuration and logger shared by every command.
type app struct {
	cfg    config
	logger *logrus.Logger
}

func newApp(ctx context.Context) (*app, context.Context, error) {
	cfg := loadConfig(viper.GetViper())
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, ctx, err
	}
	return &app{cfg: cfg, logger: logger}, logging.WithLogger(ctx, logger), nil
}

func (a *app) openHistory() (*history.Store, error) {
	if err := os.MkdirAll(a.cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return history.Open(filepath.Join(a.cfg.StateDir, "history.db"))
}

func (a *app) newManager() (*fsm.Manager, error) {
	return fsm.New(fsm.Config{
		Logger: a.logger.WithField("component", "fsm"),
		DBPath: filepath.Join(a.cfg.StateDir, "fsm"),
	})
}

func (a *app) newClassifier() (*device.Classifier, error) {
	mounts, err := device.NewMountTable(a.cfg.MountsSource)
	if err != nil {
		return nil, err
	}
	return device.NewClassifier(mounts), nil
}

func (a *app) newLauncher(slot *helper.Slot) *helper.Launcher {
	return helper.NewLauncher(helper.Config{HelperPath: a.cfg.HelperPath}, slot)
}

// serveMetrics exposes the default registry while an operation runs. The
// returned function stops the server.
func (a *app) serveMetrics() func(context.Context) {
	if a.cfg.MetricsAddr == "" {
		return func(context.Context) {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger := a.logger.WithField("addr", a.cfg.MetricsAddr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()
	logger.Info("serving metrics")

	return func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("failed to stop metrics server")
		}
	}
}
