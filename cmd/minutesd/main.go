// Command minutesd serves the transcription and minutes pipeline over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kbukum/minutes/config"
	"github.com/kbukum/minutes/logger"
	"github.com/kbukum/minutes/pipeline"
	"github.com/kbukum/minutes/server"
	"github.com/kbukum/minutes/version"
)

// Config is the daemon configuration.
type Config struct {
	pipeline.Settings `yaml:",inline" mapstructure:",squash"`
	Server            server.Config `yaml:"server" mapstructure:"server"`
	// WatchTemplates reloads templates when their files change.
	WatchTemplates bool `yaml:"watch_templates" mapstructure:"watch_templates"`
}

func main() {
	configFile := flag.String("config", "", "path to the YAML config file")
	envFile := flag.String("env", "", "path to a .env file")
	flag.Parse()

	if err := run(*configFile, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, "minutesd:", err)
		os.Exit(1)
	}
}

func run(configFile, envFile string) error {
	var cfg Config
	var opts []config.LoaderOption
	if configFile != "" {
		opts = append(opts, config.WithConfigFile(configFile))
	}
	if envFile != "" {
		opts = append(opts, config.WithEnvFile(envFile))
	}
	if err := config.Load(&cfg, opts...); err != nil {
		return err
	}
	if cfg.Version == "" {
		cfg.Version = version.Current().String()
	}
	cfg.Settings.ApplyDefaults()
	cfg.Server.ApplyDefaults()
	if err := cfg.Settings.Validate(); err != nil {
		return err
	}
	if err := cfg.Server.Validate(); err != nil {
		return err
	}

	logger.Init(cfg.Logging, cfg.Name)
	log := logger.GetGlobalLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := pipeline.NewService(ctx, cfg.Settings,
		pipeline.WithServiceLogger(log),
		pipeline.WithRegisterer(prometheus.DefaultRegisterer),
	)
	if err != nil {
		return err
	}
	if cfg.WatchTemplates {
		go func() {
			if err := svc.WatchTemplates(ctx); err != nil {
				log.Error("template watcher stopped", logger.Fields(logger.FieldError, err.Error()))
			}
		}()
	}

	srv := server.New(cfg.Server, svc, log)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Info("minutesd ready", logger.Fields("name", cfg.Name, "version", cfg.Version))

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srvErr := srv.Stop(shutdownCtx)
	if err := svc.Close(shutdownCtx); err != nil && srvErr == nil {
		return err
	}
	return srvErr
}
