package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/tasukuchiba/support_chat_app/internal/models"
)

// PostgresStorage はメッセージとオンライン状態をPostgreSQLに保存するストレージ
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage は新しいPostgresStorageを作成する
func NewPostgresStorage(databaseURL string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	// 接続プール設定
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// 接続確認
	if err := db.Ping(); err != nil {
		return nil, err
	}

	storage := &PostgresStorage{db: db}

	// マイグレーション実行
	if err := storage.migrate(); err != nil {
		return nil, err
	}

	return storage, nil
}

// migrate はデータベーススキーマを作成する
func (s *PostgresStorage) migrate() error {
	query := `
		CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(36) PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
		CREATE TABLE IF NOT EXISTS users (
			username VARCHAR(255) PRIMARY KEY,
			online BOOLEAN NOT NULL DEFAULT FALSE
		);
	`
	_, err := s.db.Exec(query)
	return err
}

// AppendMessage はメッセージを採番・保存し、保存済みレコードを返す
func (s *PostgresStorage) AppendMessage(username, body string) (models.Message, error) {
	msg := models.Message{
		ID:        uuid.New().String(),
		Username:  username,
		Body:      body,
		CreatedAt: time.Now(),
	}

	query := `
		INSERT INTO messages (id, username, body, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.db.Exec(query, msg.ID, msg.Username, msg.Body, msg.CreatedAt); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ListMessages は作成日時の昇順でメッセージを取得する
// limitが正の場合は直近limit件のみを返す
func (s *PostgresStorage) ListMessages(limit int) ([]models.Message, error) {
	if limit > 0 {
		return s.listRecent(limit)
	}

	query := `
		SELECT id, username, body, created_at
		FROM messages
		ORDER BY created_at ASC
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// listRecent は直近limit件を取得する（降順で取得して反転する）
func (s *PostgresStorage) listRecent(limit int) ([]models.Message, error) {
	query := `
		SELECT id, username, body, created_at
		FROM messages
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// 昇順に戻す
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.Username, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	// nilではなく空のスライスを返す
	if messages == nil {
		messages = []models.Message{}
	}

	return messages, nil
}

// PurgeMessages は全てのメッセージを削除する
// 空のテーブルに対しても成功する
func (s *PostgresStorage) PurgeMessages() error {
	_, err := s.db.Exec(`DELETE FROM messages`)
	return err
}

// SetOnline はオンライン状態をupsertする
func (s *PostgresStorage) SetOnline(username string) error {
	query := `
		INSERT INTO users (username, online)
		VALUES ($1, TRUE)
		ON CONFLICT (username) DO UPDATE SET online = TRUE
	`
	_, err := s.db.Exec(query, username)
	return err
}

// SetOffline はオンライン状態をfalseに更新する
// レコードが存在しない場合は何もしない
func (s *PostgresStorage) SetOffline(username string) error {
	query := `UPDATE users SET online = FALSE WHERE username = $1`
	_, err := s.db.Exec(query, username)
	return err
}

// GetOnline は指定ユーザーのオンライン状態を取得する
func (s *PostgresStorage) GetOnline(username string) (bool, error) {
	query := `SELECT online FROM users WHERE username = $1`
	var online bool
	err := s.db.QueryRow(query, username).Scan(&online)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return online, nil
}

// Close はデータベース接続を閉じる
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
