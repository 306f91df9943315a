package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/tasukuchiba/support_chat_app/internal/handlers"
	"github.com/tasukuchiba/support_chat_app/internal/storage"
	"github.com/tasukuchiba/support_chat_app/internal/websocket"
)

func main() {
	// .envがあれば読み込む（なくてもよい）
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	// ストレージの初期化（失敗した場合は接続を受け付けずに終了する）
	store, cleanup := initStorage()
	if cleanup != nil {
		defer cleanup()
	}

	// ハンドラーの初期化
	messageHandler := handlers.NewMessageHandler(store)

	// WebSocket Hubの初期化と起動
	hub := websocket.NewHub(store, hubConfig())
	go hub.Run()

	// ルーティング設定
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", messageHandler.HandleMessages)

	// 運用者向けのメッセージ全削除エンドポイント
	mux.HandleFunc("/admin/messages", messageHandler.HandlePurge)

	// WebSocketエンドポイント
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWs(hub, w, r)
	})

	// ヘルスチェック用エンドポイント
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// サーバー起動（環境変数PORTがあればそれを使用）
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
	log.Println("Server exited properly")
}

// hubConfig は環境変数からHubの設定を組み立てる
func hubConfig() websocket.Config {
	config := websocket.Config{
		AdminUsername: os.Getenv("ADMIN_USERNAME"),
	}

	if v := os.Getenv("HISTORY_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("Invalid HISTORY_LIMIT: %v", err)
		}
		config.HistoryLimit = limit
	}

	return config
}

// initStorage は環境変数に基づいてストレージを初期化する
func initStorage() (storage.Storage, func()) {
	storageType := os.Getenv("STORAGE_TYPE")

	switch storageType {
	case "postgres":
		databaseURL := os.Getenv("DATABASE_URL")
		if databaseURL == "" {
			// 個別の環境変数からDATABASE_URLを組み立てる（ECS + Secrets Manager対応）
			dbHost := os.Getenv("DB_HOST")
			dbPort := os.Getenv("DB_PORT")
			dbUser := os.Getenv("DB_USERNAME")
			dbPass := os.Getenv("DB_PASSWORD")
			dbName := os.Getenv("DB_NAME")
			if dbHost != "" && dbUser != "" && dbPass != "" && dbName != "" {
				if dbPort == "" {
					dbPort = "5432"
				}
				databaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=require",
					dbUser, dbPass, dbHost, dbPort, dbName)
			} else {
				log.Fatal("DATABASE_URL or DB_HOST/DB_USERNAME/DB_PASSWORD/DB_NAME is required when STORAGE_TYPE=postgres")
			}
		}

		store, err := storage.NewPostgresStorage(databaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}

		log.Println("Using PostgreSQL storage")
		return store, func() {
			if err := store.Close(); err != nil {
				log.Printf("Error closing database connection: %v", err)
			}
		}

	default:
		log.Println("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	}
}
