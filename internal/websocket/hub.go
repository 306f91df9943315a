package websocket

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/tasukuchiba/support_chat_app/internal/models"
	"github.com/tasukuchiba/support_chat_app/internal/storage"
)

// イベント種別
const (
	EventIdentify = "identify"
	EventMessage  = "message"
	EventTyping   = "typing"
	EventHistory  = "history"
	EventPresence = "presence"
	EventError    = "error"
)

// DefaultAdminUsername はサポート担当者のユーザー名のデフォルト値
const DefaultAdminUsername = "admin"

// IncomingEvent はクライアントから受信するイベントの形式
type IncomingEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Body     string `json:"body"`
	Draft    string `json:"draft"`
}

// OutgoingMessage はクライアントへ配信するメッセージの形式
type OutgoingMessage struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// OutgoingHistory は接続直後に新規接続へのみ送信するメッセージ履歴
type OutgoingHistory struct {
	Type     string           `json:"type"`
	Messages []models.Message `json:"messages"`
}

// OutgoingPresence はオンライン状態の変化を通知するイベント
type OutgoingPresence struct {
	Type string `json:"type"`
	models.Presence
}

// OutgoingTyping は入力中通知のイベント（永続化なし・配信保証なし）
type OutgoingTyping struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Draft    string `json:"draft,omitempty"`
}

// OutgoingError は処理失敗をクライアントに伝えるイベント
type OutgoingError struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Config はHubの動作設定
type Config struct {
	// サポート担当者のユーザー名（空の場合はDefaultAdminUsername）
	AdminUsername string

	// 接続時に送信する履歴の最大件数（0以下は全件）
	HistoryLimit int
}

// identifyRequest は接続にユーザー名を束縛する要求
type identifyRequest struct {
	client   *Client
	username string
}

// typingRequest は入力中通知の配信要求
type typingRequest struct {
	sender *Client
	data   []byte
}

// Hub は全WebSocketクライアントの接続を管理し、イベントを中継する
type Hub struct {
	// コネクションレジストリ（Runループからのみ操作する）
	registry *registry

	// ブロードキャスト用チャネル
	broadcast chan []byte

	// クライアント登録用チャネル
	register chan *Client

	// クライアント登録解除用チャネル
	unregister chan *Client

	// ユーザー名束縛用チャネル
	identify chan identifyRequest

	// 入力中通知用チャネル
	typing chan typingRequest

	// メッセージ・オンライン状態の永続化用ストレージ
	storage storage.Storage

	config Config

	// 保存順と配信順を一致させるためのロック
	appendMu sync.Mutex
}

// NewHub は新しいHubを作成する
func NewHub(store storage.Storage, config Config) *Hub {
	if config.AdminUsername == "" {
		config.AdminUsername = DefaultAdminUsername
	}
	return &Hub{
		registry:   newRegistry(),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		identify:   make(chan identifyRequest),
		typing:     make(chan typingRequest),
		storage:    store,
		config:     config,
	}
}

// Run はHubのメインループを開始する
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registry.add(client)
			log.Printf("Client registered (total: %d)", h.registry.count())
			h.sendHistory(client)

		case client := <-h.unregister:
			if h.registry.remove(client) {
				close(client.send)
				log.Printf("Client unregistered: %q (total: %d)", client.username, h.registry.count())
				if client.username != "" {
					h.markOffline(client.username)
				}
			}

		case req := <-h.identify:
			h.handleIdentify(req)

		case message := <-h.broadcast:
			h.reap(h.registry.broadcast(message))

		case req := <-h.typing:
			h.reap(h.registry.broadcastExcept(req.data, req.sender))
		}
	}
}

// sendHistory はメッセージ履歴を新規接続にのみ送信する
// 履歴の取得に失敗した場合はエラーイベントを返す（無応答にはしない）
func (h *Hub) sendHistory(client *Client) {
	messages, err := h.storage.ListMessages(h.config.HistoryLimit)
	if err != nil {
		log.Printf("Failed to load history: %v", err)
		data, err := json.Marshal(OutgoingError{
			Type:    EventError,
			Content: "failed to load message history",
		})
		if err != nil {
			return
		}
		h.reap(h.registry.unicast(data, client))
		return
	}

	data, err := json.Marshal(OutgoingHistory{
		Type:     EventHistory,
		Messages: messages,
	})
	if err != nil {
		log.Printf("Failed to marshal history: %v", err)
		return
	}
	h.reap(h.registry.unicast(data, client))
}

// handleIdentify は接続にユーザー名を束縛し、オンライン状態を記録・配信する
// 束縛は冪等で、同じ接続への再束縛は前の束縛を上書きする
func (h *Hub) handleIdentify(req identifyRequest) {
	req.client.username = req.username

	if err := h.storage.SetOnline(req.username); err != nil {
		log.Printf("Failed to set %q online: %v", req.username, err)
		return
	}
	h.reap(h.broadcastPresence(req.username, true))

	// サポート担当者のオンライン状態を要求元にのみ返す
	online, err := h.storage.GetOnline(h.config.AdminUsername)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("Failed to get %q presence: %v", h.config.AdminUsername, err)
		}
		return
	}

	data, err := json.Marshal(OutgoingPresence{
		Type:     EventPresence,
		Presence: models.Presence{Username: h.config.AdminUsername, Online: online},
	})
	if err != nil {
		return
	}
	h.reap(h.registry.unicast(data, req.client))
}

// markOffline はオフラインを記録し、全クライアントに配信する
func (h *Hub) markOffline(username string) {
	if err := h.storage.SetOffline(username); err != nil {
		log.Printf("Failed to set %q offline: %v", username, err)
		return
	}
	h.reap(h.broadcastPresence(username, false))
}

// reap は配信中に切り離されたクライアントを切断として処理する
// 束縛済みのクライアントは通常の切断と同様にオフラインを記録・配信する
// オフライン配信がさらに切り離しを生んだ場合も順に処理する
func (h *Hub) reap(evicted []*Client) {
	for len(evicted) > 0 {
		client := evicted[0]
		evicted = evicted[1:]
		log.Printf("Client evicted: %q (total: %d)", client.username, h.registry.count())

		if client.username == "" {
			continue
		}
		if err := h.storage.SetOffline(client.username); err != nil {
			log.Printf("Failed to set %q offline: %v", client.username, err)
			continue
		}
		evicted = append(evicted, h.broadcastPresence(client.username, false)...)
	}
}

// broadcastPresence はオンライン状態の変化を全クライアントに配信し、
// 切り離したクライアントを返す。Runループから呼び出すこと
func (h *Hub) broadcastPresence(username string, online bool) []*Client {
	data, err := json.Marshal(OutgoingPresence{
		Type:     EventPresence,
		Presence: models.Presence{Username: username, Online: online},
	})
	if err != nil {
		return nil
	}
	return h.registry.broadcast(data)
}

// AppendAndBroadcast はメッセージを保存し、送信者を含む全クライアントに配信する
// 保存に失敗した場合は何も配信しない
func (h *Hub) AppendAndBroadcast(username, body string) error {
	// 保存順と配信順を一致させる
	h.appendMu.Lock()
	defer h.appendMu.Unlock()

	msg, err := h.storage.AppendMessage(username, body)
	if err != nil {
		log.Printf("Failed to save message: %v", err)
		return err
	}

	// 保存済みレコードを配信する（クライアント側の楽観的な複製は使わない）
	data, err := json.Marshal(OutgoingMessage{
		Type:      EventMessage,
		ID:        msg.ID,
		Username:  msg.Username,
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return err
	}

	h.broadcast <- data
	return nil
}

// NotifyTyping は入力中通知を送信者以外の全クライアントに配信する
// 永続化せず、到達も保証しない
func (h *Hub) NotifyTyping(sender *Client, username, draft string) error {
	data, err := json.Marshal(OutgoingTyping{
		Type:     EventTyping,
		Username: username,
		Draft:    draft,
	})
	if err != nil {
		return err
	}

	h.typing <- typingRequest{sender: sender, data: data}
	return nil
}

// Identify は接続にユーザー名を束縛する要求をRunループに渡す
func (h *Hub) Identify(client *Client, username string) {
	h.identify <- identifyRequest{client: client, username: username}
}

// ClientCount は接続中のクライアント数を返す
func (h *Hub) ClientCount() int {
	return h.registry.count()
}
