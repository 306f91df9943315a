package models

import "time"

// Message はチャットメッセージを表す構造体
// IDとCreatedAtはサーバー側で採番・付与される
type Message struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
