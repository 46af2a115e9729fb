package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dcabot/internal/api"
	"dcabot/internal/config"
	"dcabot/internal/engine"
	"dcabot/internal/exchange"
	"dcabot/internal/governor"
	"dcabot/internal/ledger"
	"dcabot/internal/models"
	"dcabot/internal/repository"
	"dcabot/internal/stream"
	"dcabot/internal/websocket"

	_ "github.com/lib/pq"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Журнал событий - единственный источник истины
	events, err := ledger.NewEventLedger(cfg.Engine.DataDir)
	if err != nil {
		log.Fatalf("Failed to open event ledger: %v", err)
	}
	defer events.Close()

	// Опциональный архив в Postgres
	var (
		db            *sql.DB
		orderArchive  *repository.OrderArchiveRepository
		reportArchive *repository.ReportRepository
	)
	if cfg.Database.Enabled {
		db, err = initDatabase(cfg)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		orderArchive = repository.NewOrderArchiveRepository(db)
		reportArchive = repository.NewReportRepository(db)
		log.Printf("Connected to database %s", cfg.Database.DSNWithoutPassword())
	} else {
		log.Println("Database archive disabled (DB_ENABLED=false)")
	}

	// Клиент биржи
	venue, err := exchange.NewBackpack(cfg.Venue.APIKey, cfg.Venue.APISecret)
	if err != nil {
		log.Fatalf("Failed to create venue client: %v", err)
	}

	// Шлюз вызовов API
	gov := governor.New(governor.Config{
		PerSecond: cfg.Governor.PerSecond,
		PerMinute: cfg.Governor.PerMinute,
	})
	defer gov.Stop()

	// WebSocket hub для UI
	hub := websocket.NewHub()
	go hub.Run()
	defer hub.Stop()

	// Стрим рыночных данных
	ingestor := stream.New(stream.Config{
		URL:                  cfg.Stream.URL,
		Instrument:           cfg.Engine.Instrument,
		ReconnectDelay:       cfg.Stream.ReconnectDelay,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		StalenessThreshold:   cfg.Stream.StalenessThreshold,
		PollInterval:         cfg.Stream.PollInterval,
	})
	ingestor.Subscribe(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": []string{
			"ticker." + cfg.Engine.Instrument,
			"account.orderUpdate." + cfg.Engine.Instrument,
		},
	})

	// Движок сверки
	eng := engine.NewEngine(engine.Config{
		Instrument:        cfg.Engine.Instrument,
		ReconcileInterval: cfg.Engine.ReconcileInterval,
		OrderPollInterval: cfg.Engine.OrderPollInterval,
		Tolerance:         cfg.Engine.Tolerance,
	}, events, venue, gov, ingestor, engine.Callbacks{
		OnPriceUpdate: hub.BroadcastPriceUpdate,
		OnPositionChanged: hub.BroadcastPositionUpdate,
		OnReconciliationReport: func(report models.ReconciliationReport) {
			hub.BroadcastReconciliationReport(report)
			if reportArchive != nil {
				if err := reportArchive.Create(&report); err != nil {
					log.Printf("Failed to archive reconciliation report: %v", err)
				}
			}
		},
		OnNotification: hub.BroadcastNotification,
		OnOrderFinalized: func(order models.Order) {
			if orderArchive != nil {
				if err := orderArchive.Archive(&order); err != nil {
					log.Printf("Failed to archive order %s: %v", order.ID, err)
				}
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	// Настройка HTTP роутера
	router := api.SetupRoutes(&api.Dependencies{
		Engine:        eng,
		Governor:      gov,
		Hub:           hub,
		OrderArchive:  orderArchive,
		ReportArchive: reportArchive,
		APITokenHash:  cfg.Security.APITokenHash,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Запуск сервера в отдельной горутине
	go func() {
		log.Printf("Starting server on %s", server.Addr)
		if cfg.Server.UseHTTPS {
			if err := server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Server failed: %v", err)
			}
		} else {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Server failed: %v", err)
			}
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Движок останавливается после HTTP, чтобы inflight запросы
	// успели завершиться
	eng.Stop()

	log.Println("Bot exited")
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
