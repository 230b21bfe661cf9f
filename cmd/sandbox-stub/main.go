package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"sandbox/internal/app"
	sbcfg "sandbox/internal/config"
	"sandbox/internal/logger"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("读取 .env 失败: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := os.Getenv("SANDBOX_CONFIG")
	if cfgPath == "" {
		if _, err := os.Stat("configs/config.yaml"); err == nil {
			cfgPath = "configs/config.yaml"
		}
	}
	cfg, err := sbcfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logger.SetLevel(cfg.App.LogLevel)

	backend, err := app.NewStubBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化模拟后端失败: %v", err)
	}
	logger.Infof("模拟后端监听 %s", backend.Server.Addr())
	if err := backend.Run(ctx); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
}
