package websocket

// registry は接続中のクライアント一覧を保持するコネクションレジストリ
// Hubのメインループからのみ操作される
type registry struct {
	clients map[*Client]bool
}

// newRegistry は新しいregistryを作成する
func newRegistry() *registry {
	return &registry{
		clients: make(map[*Client]bool),
	}
}

// add はクライアントを登録する
func (r *registry) add(c *Client) {
	r.clients[c] = true
}

// remove はクライアントを登録解除する
// 登録されていた場合にtrueを返す
func (r *registry) remove(c *Client) bool {
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		return true
	}
	return false
}

// count は接続中のクライアント数を返す
func (r *registry) count() int {
	return len(r.clients)
}

// broadcast は全クライアントに送信し、切り離したクライアントを返す
func (r *registry) broadcast(data []byte) []*Client {
	return r.broadcastExcept(data, nil)
}

// broadcastExcept はskip以外の全クライアントに送信する
// 送信バッファが詰まったクライアントは切り離し、呼び出し元に返す
// 切り離されたクライアントの切断処理は呼び出し元の責任
func (r *registry) broadcastExcept(data []byte, skip *Client) []*Client {
	var evicted []*Client
	for client := range r.clients {
		if client == skip {
			continue
		}
		select {
		case client.send <- data:
		default:
			close(client.send)
			delete(r.clients, client)
			evicted = append(evicted, client)
		}
	}
	return evicted
}

// unicast は指定されたクライアントにのみ送信する
// 送信バッファが詰まっていた場合は切り離し、呼び出し元に返す
func (r *registry) unicast(data []byte, c *Client) []*Client {
	if !r.clients[c] {
		return nil
	}
	select {
	case c.send <- data:
		return nil
	default:
		close(c.send)
		delete(r.clients, c)
		return []*Client{c}
	}
}
