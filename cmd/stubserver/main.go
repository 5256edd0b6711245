package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"supchat-go/internal/config"
	"supchat-go/internal/stub"

	"github.com/lmittmann/tint"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}

	// 2. 初始化日志
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      parseLogLevel(cfg.LogLevel),
		TimeFormat: time.TimeOnly,
	})))
	log.Println("开发后端配置加载成功")

	// 3. 组装并启动服务
	server, err := stub.NewServer(cfg)
	if err != nil {
		log.Fatalf("无法初始化开发后端: %v", err)
	}

	go func() {
		if err := server.Run(); err != nil {
			log.Fatalf("开发后端启动失败: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("开发后端准备关闭...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("开发后端关闭失败: %v", err)
	}
	log.Println("开发后端已优雅关闭")
}

func parseLogLevel(level string) slog.Level {
	switch level {
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
