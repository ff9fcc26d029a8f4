package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaysip/sipproxy/internal/api"
	"github.com/relaysip/sipproxy/internal/banner"
	"github.com/relaysip/sipproxy/internal/config"
	"github.com/relaysip/sipproxy/internal/core"
	"github.com/relaysip/sipproxy/internal/logger"
	"github.com/relaysip/sipproxy/internal/transport"
)

func main() {
	cfg := config.Load()
	logger.Init(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("SIP Proxy", []banner.ConfigLine{
		{Label: "Bind", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "Realm", Value: cfg.Realm},
		{Label: "RTP range", Value: fmt.Sprintf("%d-%d", cfg.RTPMin, cfg.RTPMax)},
		{Label: "Media mode", Value: string(cfg.MediaMode)},
	})

	udp, err := transport.ListenUDP(fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port))
	if err != nil {
		slog.Error("failed to bind UDP listener", "error", err)
		os.Exit(1)
	}
	defer udp.Close()

	tcp, err := transport.ListenTCP(fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port))
	if err != nil {
		slog.Error("failed to bind TCP listener", "error", err)
		os.Exit(1)
	}
	defer tcp.Close()

	c := core.New(core.Config{
		NodeID:           hostnameOrDefault(),
		AdvertiseAddr:    cfg.AdvertiseAddr,
		Port:             cfg.Port,
		Realm:            cfg.Realm,
		RTPMin:           cfg.RTPMin,
		RTPMax:           cfg.RTPMax,
		UDP:              udp,
		MediaPassthrough: cfg.MediaMode == config.MediaModePassthrough,
	})
	c.Start()
	defer c.Stop()

	apiServer := api.NewServer("0.0.0.0:8080", c.Registrar(), c.Proxy(), c.Media(), c.Tracker())
	if err := apiServer.Start(); err != nil {
		slog.Error("failed to start API server", "error", err)
		os.Exit(1)
	}
	defer apiServer.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go udp.Serve(ctx, c.HandleInbound)
	go tcp.Serve(ctx, c.HandleInbound)

	slog.Info("sip proxy ready", "port", cfg.Port, "advertise", cfg.AdvertiseAddr)
	<-ctx.Done()
	slog.Info("shutting down")
	time.Sleep(200 * time.Millisecond)
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "sipproxy-node"
	}
	return h
}
