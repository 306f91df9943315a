package storage

import (
	"errors"

	"github.com/tasukuchiba/support_chat_app/internal/models"
)

// ErrNotFound はレコードが見つからない場合のエラー
var ErrNotFound = errors.New("record not found")

// Storage はメッセージとオンライン状態の永続化インターフェース
type Storage interface {
	// AppendMessage はメッセージを採番・保存し、保存済みレコードを返す
	AppendMessage(username, body string) (models.Message, error)

	// ListMessages は作成日時の昇順でメッセージを取得する
	// limitが正の場合は直近limit件のみを返す（それでも昇順）
	ListMessages(limit int) ([]models.Message, error)

	// PurgeMessages は全てのメッセージを削除する
	PurgeMessages() error

	// SetOnline はオンライン状態をupsertする
	SetOnline(username string) error

	// SetOffline はオンライン状態をfalseに更新する
	// レコードが存在しない場合は何もしない
	SetOffline(username string) error

	// GetOnline は指定ユーザーのオンライン状態を取得する
	// レコードが存在しない場合はErrNotFoundを返す
	GetOnline(username string) (bool, error)
}
