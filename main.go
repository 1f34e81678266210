package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gamerelay/server"
)

// gamerelay 入口：加载配置，启动 HTTP + WebSocket 中继服务
func main() {
	var configPath, addr string
	flag.StringVar(&configPath, "config", "", "path to YAML config file (optional)")
	flag.StringVar(&addr, "addr", "", "override server.addr, e.g. :9090")
	flag.Parse()

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	if err := server.InitLogger(cfg.Logging); err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer server.SyncLogger()

	hub := server.NewHub(cfg)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.NewMux(cfg, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		server.Log.Infow("relay listening", "addr", cfg.Server.Addr, "ws_path", cfg.Server.WSPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// 唯一的进程级致命错误：监听失败
			server.Log.Fatalf("listen: %v", err)
		}
	}()

	// 优雅退出（Ctrl+C）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	server.Log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		server.Log.Warnw("http shutdown", "err", err)
	}
	// 已升级的 WebSocket 连接不受 srv.Shutdown 管理，需单独关闭并等待离场完成
	if err := hub.Shutdown(ctx); err != nil {
		server.Log.Warnw("hub shutdown", "err", err)
	}
}
