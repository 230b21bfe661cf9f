package main

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"sandbox/internal/app"
	sbcfg "sandbox/internal/config"
	"sandbox/internal/logger"
	"sandbox/internal/orchestrator"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("读取 .env 失败: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := configPath()
	cfg, err := sbcfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，后端=%s）", cfg.App.Env, cfg.Backend.BaseURL)

	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	opts := app.RunOptions{
		Credentials: app.Credentials{
			Email:        os.Getenv("SANDBOX_EMAIL"),
			Password:     os.Getenv("SANDBOX_PASSWORD"),
			RefreshToken: os.Getenv("SANDBOX_REFRESH_TOKEN"),
			SignUp:       envBool("SANDBOX_SIGNUP"),
		},
		FetchMarket:    envBool("SANDBOX_FETCH_MARKET"),
		CreateStrategy: os.Getenv("SANDBOX_CREATE_STRATEGY"),
		Watch:          envBool("SANDBOX_WATCH"),
	}
	if envBool("SANDBOX_RUN_BACKTEST") {
		capital, _ := strconv.ParseFloat(strings.TrimSpace(os.Getenv("SANDBOX_BACKTEST_CAPITAL")), 64)
		opts.Backtest = &orchestrator.BacktestParams{
			StartDate:      os.Getenv("SANDBOX_BACKTEST_START"),
			EndDate:        os.Getenv("SANDBOX_BACKTEST_END"),
			InitialCapital: capital,
		}
	}
	if opts.Watch && cfgPath != "" {
		if err := app.WatchConfig(cfgPath); err != nil {
			logger.Warnf("config watch disabled: %v", err)
		}
	}
	if err := a.Run(ctx, opts); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
}

// configPath falls back to built-in defaults when the default file is absent.
func configPath() string {
	if p := strings.TrimSpace(os.Getenv("SANDBOX_CONFIG")); p != "" {
		return p
	}
	const fallback = "configs/config.yaml"
	if _, err := os.Stat(fallback); err != nil {
		return ""
	}
	return fallback
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return err == nil && v
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
