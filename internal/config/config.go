package config

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	DBDSN          string // DSN документного хранилища
	CacheDBPath    string // путь к локальному sqlite-кэшу
	MigrationsPath string
	TelegramToken  string // пустой токен — push уходит в лог
	AccountID      string // internal id аккаунта, от имени которого работает клиент
	Environment    string
}

func Load() (*Config, error) {
	// Пытаемся загрузить .env файл (игнорируем ошибку, если файла нет)
	if err := godotenv.Load(".env"); err != nil {
		log.Println("⚠️  No .env file found, using environment variables")
	} else {
		log.Println("✅ Loaded configuration from .env file")
	}

	cfg := &Config{
		DBDSN:          os.Getenv("DB_DSN"),
		CacheDBPath:    os.Getenv("CACHE_DB_PATH"),
		MigrationsPath: os.Getenv("MIGRATIONS_PATH"),
		TelegramToken:  os.Getenv("TELEGRAM_TOKEN"),
		AccountID:      os.Getenv("ACCOUNT_ID"),
		Environment:    os.Getenv("ENV"),
	}

	// Дефолтные значения
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.CacheDBPath == "" {
		cfg.CacheDBPath = "kinlink-cache.db"
	}
	if cfg.MigrationsPath == "" {
		cfg.MigrationsPath = "migrations"
	}

	// Обязательные поля
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("DB_DSN is required but not set")
	}
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("ACCOUNT_ID is required but not set")
	}

	return cfg, nil
}
