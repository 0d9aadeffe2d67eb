// Package main 实时聊天服务入口
//
//	realtime serve --config configs/config.yaml
//	realtime migrate
//	realtime reconcile
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"sudooom.im.realtime/internal/config"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "realtime",
		Short:         "Realtime presence, typing and relationship service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.GetEnv("REALTIME_CONFIG", "configs/config.yaml"), "config file path")

	root.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildReconcileCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig 加载配置并初始化日志
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
