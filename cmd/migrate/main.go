// cmd/migrate/main.go
// Checks database connectivity and applies the message store schema

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/edustat/edustat-backend/internal/common/database"
	"github.com/edustat/edustat-backend/internal/common/logger"
	"github.com/edustat/edustat-backend/internal/config"
	"github.com/edustat/edustat-backend/internal/messaging"
)

func main() {
	checkOnly := flag.Bool("check", false, "only verify the connection and list chat tables")
	flag.Parse()

	envErr := godotenv.Load()

	cfg := config.Load()
	if err := logger.Init(cfg.Environment, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Log

	if envErr != nil {
		log.Info("no .env file found, using environment variables")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	db, err := database.NewPostgresDBFromURL(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to PostgreSQL", zap.Error(err))
	}
	defer db.Close()
	log.Info("connected to PostgreSQL")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if !*checkOnly {
		if err := messaging.Migrate(ctx, db); err != nil {
			log.Fatal("migration failed", zap.Error(err))
		}
		log.Info("schema is up to date")
	}

	var tables []string
	err = db.SelectContext(ctx, &tables,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = 'public'
		   AND table_name IN ('conversations', 'conversation_members', 'messages', 'message_visibility',
		                      'message_statuses', 'message_reactions', 'pinned_messages')
		 ORDER BY table_name`)
	if err != nil {
		log.Fatal("failed to list tables", zap.Error(err))
	}
	log.Info("chat tables", zap.Strings("tables", tables), zap.Int("count", len(tables)))
}
