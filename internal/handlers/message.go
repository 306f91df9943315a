package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tasukuchiba/support_chat_app/internal/storage"
)

// MessageHandler はメッセージ関連のHTTPリクエストを処理する
type MessageHandler struct {
	storage storage.Storage
}

// NewMessageHandler は新しいMessageHandlerを作成する
func NewMessageHandler(s storage.Storage) *MessageHandler {
	return &MessageHandler{storage: s}
}

// HandleMessages は /messages エンドポイントのハンドラー
// メッセージ履歴を作成日時の昇順で返す（?limit=nで直近n件に絞る）
func (h *MessageHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = n
	}

	messages, err := h.storage.ListMessages(limit)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

// HandlePurge は /admin/messages エンドポイントのハンドラー
// 全メッセージを削除する運用者向けの操作（エンドユーザーには公開しない）
func (h *MessageHandler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.storage.PurgeMessages(); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
