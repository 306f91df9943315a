package models

// Presence はユーザーのオンライン状態を表す構造体
// ユーザー名をキーとした最新の状態のみを保持する（履歴なし）
type Presence struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}
