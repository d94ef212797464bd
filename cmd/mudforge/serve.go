package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jasona/mudforge/internal/config"
	"github.com/jasona/mudforge/internal/driver"
)

// ── Startup display helpers ────────────────────────────────────────

func printBanner() {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Printf("\033[36;1m  │\033[0m            MudForge  %-10s           \033[36;1m│\033[0m\n", version)
	fmt.Println("\033[36;1m  │\033[0m      a scriptable world, one driver       \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Server lifecycle ───────────────────────────────────────────────

func serve() error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner()

	printSection("storage")
	d, err := driver.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()
	printOK(fmt.Sprintf("%s store open", cfg.Persistence.Driver))

	printSection("world")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := d.Boot(ctx); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	printOK(fmt.Sprintf("mudlib %s booted", cfg.Mudlib.Path))
	fmt.Println()

	printSection("ready")
	printReady(fmt.Sprintf("telnet %s", cfg.Server.Addr()))
	if cfg.Server.WSPort != 0 {
		printReady(fmt.Sprintf("websocket %s%s", cfg.Server.WSAddr(), cfg.Server.WSPath))
	}
	fmt.Println()

	return d.Run(ctx)
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Pretty {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
