package websocket

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tasukuchiba/support_chat_app/internal/models"
	"github.com/tasukuchiba/support_chat_app/internal/storage"
)

// failingListStorage は履歴取得が常に失敗するストレージ
type failingListStorage struct {
	*storage.MemoryStorage
}

func (s *failingListStorage) ListMessages(limit int) ([]models.Message, error) {
	return nil, errors.New("storage unreachable")
}

// failingAppendStorage は保存が常に失敗するストレージ
type failingAppendStorage struct {
	*storage.MemoryStorage
}

func (s *failingAppendStorage) AppendMessage(username, body string) (models.Message, error) {
	return models.Message{}, errors.New("storage unreachable")
}

// newTestClient はHubに直接登録できるテスト用クライアントを作成する
func newTestClient(hub *Hub) *Client {
	return &Client{
		hub:  hub,
		send: make(chan []byte, 256),
	}
}

// receiveEvent はクライアントの送信チャネルから1件取り出す
func receiveEvent(t *testing.T, client *Client) []byte {
	t.Helper()
	select {
	case data := <-client.send:
		return data
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
		return nil
	}
}

// expectNoEvent は一定時間イベントが届かないことを確認する
func expectNoEvent(t *testing.T, client *Client) {
	t.Helper()
	select {
	case data := <-client.send:
		t.Fatalf("Expected no event, got %s", data)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewHub(t *testing.T) {
	store := storage.NewMemoryStorage()
	hub := NewHub(store, Config{})

	if hub == nil {
		t.Fatal("NewHub returned nil")
	}

	if hub.registry == nil {
		t.Error("registry is nil")
	}

	if hub.broadcast == nil {
		t.Error("broadcast channel is nil")
	}

	if hub.register == nil {
		t.Error("register channel is nil")
	}

	if hub.unregister == nil {
		t.Error("unregister channel is nil")
	}

	if hub.identify == nil {
		t.Error("identify channel is nil")
	}

	if hub.typing == nil {
		t.Error("typing channel is nil")
	}

	if hub.storage != store {
		t.Error("storage not properly set")
	}

	// AdminUsernameのデフォルト値
	if hub.config.AdminUsername != DefaultAdminUsername {
		t.Errorf("expected admin username '%s', got '%s'", DefaultAdminUsername, hub.config.AdminUsername)
	}
}

func TestHub_RegisterSendsHistory(t *testing.T) {
	store := storage.NewMemoryStorage()
	store.AppendMessage("alice", "Hello")
	store.AppendMessage("admin", "Hi, how can I help?")

	hub := NewHub(store, Config{})
	go hub.Run()

	client := newTestClient(hub)
	hub.register <- client

	// 登録直後、新規接続にのみ履歴が送信される
	data := receiveEvent(t, client)

	var history OutgoingHistory
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("Failed to unmarshal history: %v", err)
	}

	if history.Type != EventHistory {
		t.Errorf("Expected type '%s', got '%s'", EventHistory, history.Type)
	}
	if len(history.Messages) != 2 {
		t.Fatalf("Expected 2 messages in history, got %d", len(history.Messages))
	}
	if history.Messages[0].Body != "Hello" {
		t.Errorf("Expected first message 'Hello', got '%s'", history.Messages[0].Body)
	}
	if history.Messages[1].Username != "admin" {
		t.Errorf("Expected second message from 'admin', got '%s'", history.Messages[1].Username)
	}
}

func TestHub_RegisterHistoryError(t *testing.T) {
	store := &failingListStorage{storage.NewMemoryStorage()}
	hub := NewHub(store, Config{})
	go hub.Run()

	client := newTestClient(hub)
	hub.register <- client

	// 履歴の取得に失敗した場合はエラーイベントが返る（無応答にはならない）
	data := receiveEvent(t, client)

	var outErr OutgoingError
	if err := json.Unmarshal(data, &outErr); err != nil {
		t.Fatalf("Failed to unmarshal error event: %v", err)
	}
	if outErr.Type != EventError {
		t.Errorf("Expected type '%s', got '%s'", EventError, outErr.Type)
	}
}

func TestHub_AppendAndBroadcast(t *testing.T) {
	store := storage.NewMemoryStorage()
	hub := NewHub(store, Config{})
	go hub.Run()

	client := newTestClient(hub)
	hub.register <- client
	receiveEvent(t, client) // 履歴イベントを読み捨てる

	before := time.Now()
	if err := hub.AppendAndBroadcast("alice", "Hello, World!"); err != nil {
		t.Fatalf("AppendAndBroadcast failed: %v", err)
	}

	data := receiveEvent(t, client)

	var outMsg OutgoingMessage
	if err := json.Unmarshal(data, &outMsg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}

	if outMsg.Type != EventMessage {
		t.Errorf("Expected type '%s', got '%s'", EventMessage, outMsg.Type)
	}
	if outMsg.Username != "alice" {
		t.Errorf("Expected username 'alice', got '%s'", outMsg.Username)
	}
	if outMsg.Body != "Hello, World!" {
		t.Errorf("Expected body 'Hello, World!', got '%s'", outMsg.Body)
	}
	if outMsg.ID == "" {
		t.Error("Expected non-empty ID")
	}
	if outMsg.CreatedAt.Before(before) {
		t.Error("Expected CreatedAt to be at or after send time")
	}

	// ストレージにも保存されていることを確認
	messages, err := store.ListMessages(0)
	if err != nil {
		t.Fatalf("Failed to list messages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("Expected 1 message in storage, got %d", len(messages))
	}
	if messages[0].ID != outMsg.ID {
		t.Errorf("Expected broadcast ID '%s' to match stored ID '%s'", outMsg.ID, messages[0].ID)
	}
}

func TestHub_AppendFailure_NoBroadcast(t *testing.T) {
	store := &failingAppendStorage{storage.NewMemoryStorage()}
	hub := NewHub(store, Config{})
	go hub.Run()

	client := newTestClient(hub)
	hub.register <- client
	receiveEvent(t, client) // 履歴イベントを読み捨てる

	// 保存に失敗した場合は何も配信されない
	if err := hub.AppendAndBroadcast("alice", "lost message"); err == nil {
		t.Fatal("Expected error from AppendAndBroadcast")
	}

	expectNoEvent(t, client)
}

func TestHub_Identify(t *testing.T) {
	store := storage.NewMemoryStorage()
	hub := NewHub(store, Config{})
	go hub.Run()

	clientA := newTestClient(hub)
	hub.register <- clientA
	receiveEvent(t, clientA) // 履歴

	hub.Identify(clientA, "admin")

	// 本人を含む全クライアントにオンライン通知が配信される
	var presence OutgoingPresence
	if err := json.Unmarshal(receiveEvent(t, clientA), &presence); err != nil {
		t.Fatalf("Failed to unmarshal presence: %v", err)
	}
	if presence.Type != EventPresence || presence.Username != "admin" || !presence.Online {
		t.Errorf("Expected presence admin online, got %+v", presence)
	}

	// adminレコードが存在するため、識別した本人にもadminの状態が返る
	if err := json.Unmarshal(receiveEvent(t, clientA), &presence); err != nil {
		t.Fatalf("Failed to unmarshal admin status: %v", err)
	}
	if presence.Username != "admin" || !presence.Online {
		t.Errorf("Expected admin status unicast, got %+v", presence)
	}

	// 2人目が識別すると、adminの状態が2人目にのみ返る
	clientB := newTestClient(hub)
	hub.register <- clientB
	receiveEvent(t, clientB) // 履歴

	hub.Identify(clientB, "alice")

	if err := json.Unmarshal(receiveEvent(t, clientA), &presence); err != nil {
		t.Fatalf("Failed to unmarshal presence: %v", err)
	}
	if presence.Username != "alice" || !presence.Online {
		t.Errorf("Expected presence alice online on clientA, got %+v", presence)
	}

	if err := json.Unmarshal(receiveEvent(t, clientB), &presence); err != nil {
		t.Fatalf("Failed to unmarshal presence: %v", err)
	}
	if presence.Username != "alice" || !presence.Online {
		t.Errorf("Expected presence alice online on clientB, got %+v", presence)
	}

	if err := json.Unmarshal(receiveEvent(t, clientB), &presence); err != nil {
		t.Fatalf("Failed to unmarshal admin status: %v", err)
	}
	if presence.Username != "admin" || !presence.Online {
		t.Errorf("Expected admin status unicast on clientB, got %+v", presence)
	}

	// clientAにはadmin状態のユニキャストは届かない
	expectNoEvent(t, clientA)

	// ストレージのオンライン状態も更新されている
	online, err := store.GetOnline("alice")
	if err != nil || !online {
		t.Errorf("Expected alice online in storage, got %v / %v", online, err)
	}
}

func TestHub_UnregisterBroadcastsOffline(t *testing.T) {
	store := storage.NewMemoryStorage()
	hub := NewHub(store, Config{})
	go hub.Run()

	clientA := newTestClient(hub)
	hub.register <- clientA
	receiveEvent(t, clientA) // 履歴

	hub.Identify(clientA, "alice")
	receiveEvent(t, clientA) // presence alice online

	clientB := newTestClient(hub)
	hub.register <- clientB
	receiveEvent(t, clientB) // 履歴

	hub.unregister <- clientA

	// 残ったクライアントにオフライン通知が配信される
	var presence OutgoingPresence
	if err := json.Unmarshal(receiveEvent(t, clientB), &presence); err != nil {
		t.Fatalf("Failed to unmarshal presence: %v", err)
	}
	if presence.Username != "alice" || presence.Online {
		t.Errorf("Expected presence alice offline, got %+v", presence)
	}

	online, err := store.GetOnline("alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if online {
		t.Error("Expected alice offline in storage")
	}

	if hub.ClientCount() != 1 {
		t.Errorf("Expected 1 client after unregister, got %d", hub.ClientCount())
	}
}

func TestHub_UnregisterAnonymous(t *testing.T) {
	store := storage.NewMemoryStorage()
	hub := NewHub(store, Config{})
	go hub.Run()

	clientA := newTestClient(hub)
	hub.register <- clientA
	receiveEvent(t, clientA) // 履歴

	clientB := newTestClient(hub)
	hub.register <- clientB
	receiveEvent(t, clientB) // 履歴

	// 未識別の接続が切れてもオフライン通知は配信されない
	hub.unregister <- clientA
	expectNoEvent(t, clientB)
}

func TestHub_ConcurrentSendsPreserveStoreOrder(t *testing.T) {
	store := storage.NewMemoryStorage()
	hub := NewHub(store, Config{})
	go hub.Run()

	clientA := newTestClient(hub)
	hub.register <- clientA
	receiveEvent(t, clientA) // 履歴

	clientB := newTestClient(hub)
	hub.register <- clientB
	receiveEvent(t, clientB) // 履歴

	// 複数goroutineから同時に送信する
	const total = 20
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := hub.AppendAndBroadcast("alice", strconv.Itoa(n)); err != nil {
				t.Errorf("AppendAndBroadcast failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	stored, err := store.ListMessages(0)
	if err != nil {
		t.Fatalf("Failed to list messages: %v", err)
	}
	if len(stored) != total {
		t.Fatalf("Expected %d messages in storage, got %d", total, len(stored))
	}

	// 各クライアントへの配信順は保存順と一致する
	for name, client := range map[string]*Client{"clientA": clientA, "clientB": clientB} {
		for i := 0; i < total; i++ {
			var outMsg OutgoingMessage
			if err := json.Unmarshal(receiveEvent(t, client), &outMsg); err != nil {
				t.Fatalf("%s: failed to unmarshal message %d: %v", name, i, err)
			}
			if outMsg.ID != stored[i].ID {
				t.Fatalf("%s: message %d delivered out of store order: expected ID %s, got %s",
					name, i, stored[i].ID, outMsg.ID)
			}
		}
	}
}

func TestHub_EvictedClientMarkedOffline(t *testing.T) {
	store := storage.NewMemoryStorage()
	hub := NewHub(store, Config{})
	go hub.Run()

	observer := newTestClient(hub)
	hub.register <- observer
	receiveEvent(t, observer) // 履歴

	// 送信バッファ1件のクライアントは履歴で埋まり、次の配信で切り離される
	slow := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.register <- slow

	hub.Identify(slow, "alice")

	// オンライン通知の配信でslowが切り離される
	var presence OutgoingPresence
	if err := json.Unmarshal(receiveEvent(t, observer), &presence); err != nil {
		t.Fatalf("Failed to unmarshal presence: %v", err)
	}
	if presence.Username != "alice" || !presence.Online {
		t.Errorf("Expected presence alice online, got %+v", presence)
	}

	// 切り離しは通常の切断と同様に扱われ、オフライン通知が配信される
	if err := json.Unmarshal(receiveEvent(t, observer), &presence); err != nil {
		t.Fatalf("Failed to unmarshal presence: %v", err)
	}
	if presence.Username != "alice" || presence.Online {
		t.Errorf("Expected presence alice offline after eviction, got %+v", presence)
	}

	// ストレージ上もオフラインになっている
	online, err := store.GetOnline("alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if online {
		t.Error("Expected alice offline in storage after eviction")
	}

	if hub.ClientCount() != 1 {
		t.Errorf("Expected 1 client after eviction, got %d", hub.ClientCount())
	}

	// 切り離し済みの接続からのunregisterは二重処理されない
	hub.unregister <- slow
	expectNoEvent(t, observer)
}

func TestHub_TypingSkipsSender(t *testing.T) {
	store := storage.NewMemoryStorage()
	hub := NewHub(store, Config{})
	go hub.Run()

	sender := newTestClient(hub)
	hub.register <- sender
	receiveEvent(t, sender) // 履歴

	receiver := newTestClient(hub)
	hub.register <- receiver
	receiveEvent(t, receiver) // 履歴

	if err := hub.NotifyTyping(sender, "alice", "Hel"); err != nil {
		t.Fatalf("NotifyTyping failed: %v", err)
	}

	var typing OutgoingTyping
	if err := json.Unmarshal(receiveEvent(t, receiver), &typing); err != nil {
		t.Fatalf("Failed to unmarshal typing: %v", err)
	}
	if typing.Type != EventTyping {
		t.Errorf("Expected type '%s', got '%s'", EventTyping, typing.Type)
	}
	if typing.Username != "alice" {
		t.Errorf("Expected username 'alice', got '%s'", typing.Username)
	}
	if typing.Draft != "Hel" {
		t.Errorf("Expected draft 'Hel', got '%s'", typing.Draft)
	}

	// 送信者自身には届かない
	expectNoEvent(t, sender)

	// 入力中イベントは永続化されない
	messages, _ := store.ListMessages(0)
	if len(messages) != 0 {
		t.Errorf("Expected no stored messages, got %d", len(messages))
	}
}
