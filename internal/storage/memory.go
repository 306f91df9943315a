package storage

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tasukuchiba/support_chat_app/internal/models"
)

// MemoryStorage はメッセージとオンライン状態をメモリ上に保存するストレージ
type MemoryStorage struct {
	mu       sync.RWMutex
	messages []models.Message
	presence map[string]bool
}

// NewMemoryStorage は新しいMemoryStorageを作成する
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages: make([]models.Message, 0),
		presence: make(map[string]bool),
	}
}

// AppendMessage はメッセージを採番・保存し、保存済みレコードを返す
func (s *MemoryStorage) AppendMessage(username, body string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := models.Message{
		ID:        uuid.New().String(),
		Username:  username,
		Body:      body,
		CreatedAt: time.Now(),
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

// ListMessages は作成日時の昇順でメッセージを取得する
func (s *MemoryStorage) ListMessages(limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.messages
	if limit > 0 && len(messages) > limit {
		// 直近limit件のみ（昇順は維持される）
		messages = messages[len(messages)-limit:]
	}

	result := make([]models.Message, len(messages))
	copy(result, messages)
	return result, nil
}

// PurgeMessages は全てのメッセージを削除する
func (s *MemoryStorage) PurgeMessages() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = s.messages[:0]
	return nil
}

// SetOnline はオンライン状態をupsertする
func (s *MemoryStorage) SetOnline(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[username] = true
	return nil
}

// SetOffline はオンライン状態をfalseに更新する
// レコードが存在しない場合は何もしない
func (s *MemoryStorage) SetOffline(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.presence[username]; ok {
		s.presence[username] = false
	}
	return nil
}

// GetOnline は指定ユーザーのオンライン状態を取得する
func (s *MemoryStorage) GetOnline(username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	online, ok := s.presence[username]
	if !ok {
		return false, ErrNotFound
	}
	return online, nil
}
