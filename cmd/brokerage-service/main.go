// Package main запускает Brokerage Service — микросервис аутентификации
// и агрегации данных у внешних брокеров.
//
// Основные возможности:
//   - Вход в Sharesies (пароль + email-MFA) и IBKR (QR-подтверждение через headless Chrome)
//   - In-memory хранилище сессий с TTL
//   - Стриминг QR-кода и статуса входа через websocket
//   - Нормализованные данные портфеля поверх живой сессии
//
// Безопасность:
//   - Пароли не сохраняются — используются только на время попытки входа
//   - Строгий rate limiting на эндпоинтах аутентификации
//   - Попытки входа аудируются в auth.login_attempts (если настроена БД)
//
// Запуск:
//
//	go run . -config config.yaml
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/r2r72/pf-agg-v1/cmd/brokerage-service/handlers"
	"github.com/r2r72/pf-agg-v1/internal/browser"
	"github.com/r2r72/pf-agg-v1/internal/client"
	"github.com/r2r72/pf-agg-v1/internal/config"
	"github.com/r2r72/pf-agg-v1/internal/notify"
	"github.com/r2r72/pf-agg-v1/internal/ratelimit"
	"github.com/r2r72/pf-agg-v1/internal/repository/pg"
	"github.com/r2r72/pf-agg-v1/internal/service/brokerage"
	"github.com/r2r72/pf-agg-v1/internal/service/qr"
	"github.com/r2r72/pf-agg-v1/internal/service/session"
)

// 🔑 Compile-time checks: клиенты и драйверы реализуют свои интерфейсы
var (
	_ brokerage.SharesiesAPI     = (*client.SharesiesClient)(nil)
	_ brokerage.IbkrAPI          = (*client.IbkrClient)(nil)
	_ brokerage.DeviceAuthDriver = (*qr.Driver)(nil)
	_ qr.DeviceFactory           = (*browser.Factory)(nil)
	_ qr.Notifier                = (*notify.Hub)(nil)
	_ brokerage.AuditLog         = (*pg.AuditRepository)(nil)
)

func main() {
	// === Парсинг флагов и конфигурации ===
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// === Инициализация зависимостей ===
	store := session.NewStore(time.Duration(cfg.Auth.SessionTTLHours) * time.Hour)

	// Аудит опционален: без БД попытки входа просто не журналируются.
	var audit brokerage.AuditLog = brokerage.NopAudit{}
	if cfg.Auth.DatabaseURL != "" {
		db, err := pg.NewDB(cfg.Auth.DatabaseURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to DB: %v", err)
		}
		defer db.Close()
		audit = pg.NewAuditRepository(db)
	}

	hub := notify.NewHub()

	browserCfg := browser.DefaultConfig(cfg.Ibkr.LoginURL)
	browserCfg.Headless = cfg.Ibkr.Headless

	qrCfg := qr.Config{
		QRWait:        time.Duration(cfg.Ibkr.QRWaitSeconds) * time.Second,
		PollInterval:  time.Duration(cfg.Ibkr.PollIntervalMs) * time.Millisecond,
		PollBudget:    cfg.Ibkr.PollBudget,
		SessionExpiry: time.Duration(cfg.Ibkr.SessionExpirySecs) * time.Second,
	}
	driver := qr.NewDriver(qrCfg, browser.NewFactory(browserCfg), store, hub)

	sharesiesAPI := client.NewSharesiesClient(
		cfg.Sharesies.BaseURL,
		cfg.Sharesies.PortfolioURL,
		cfg.Sharesies.DataURL,
		cfg.Sharesies.Origin,
	)
	ibkrAPI := client.NewIbkrClient(cfg.Ibkr.PortalURL)

	orch := brokerage.NewOrchestrator(
		[]byte(cfg.Auth.JWTSecret),
		audit,
		brokerage.NewSharesies(sharesiesAPI, store),
		brokerage.NewIBKR(driver, ibkrAPI, store),
	)

	authLimit := ratelimit.NewLimiter(cfg.RateLimit.AuthPerMinute, time.Minute)
	readLimit := ratelimit.NewLimiter(cfg.RateLimit.ReadPerMinute, time.Minute)

	// === Фоновые задачи ===
	bg, stopBg := context.WithCancel(context.Background())
	defer stopBg()

	go driver.RunJanitor(bg, 30*time.Second)
	go authLimit.RunPruner(5*time.Minute, bg.Done())
	go readLimit.RunPruner(5*time.Minute, bg.Done())

	// === Настройка HTTP-сервера ===
	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, orch, store, hub, authLimit, readLimit)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // QR-поллинг держит соединение до 30 секунд
	}

	// === Graceful shutdown ===
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("🚀 Brokerage Service started on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed: %v", err)
		}
	}()

	<-done
	log.Println("⏳ Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("❌ Server shutdown failed: %v", err)
	}

	stopBg()
	log.Println("✅ Brokerage Service stopped")
}
