package wsclient

import "github.com/gorilla/websocket"

// Transport is the physical socket as the manager sees it: write a text
// frame, read the next frame, close. Tests substitute an in-memory fake.
type Transport interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a new Transport. The manager's watchdog bounds how long a
// dial may take, so implementations need no timeout of their own.
type Dialer func(url string) (Transport, error)

type gorillaTransport struct {
	conn *websocket.Conn
}

// GorillaDialer is the production Dialer.
func GorillaDialer(url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaTransport{conn: conn}, nil
}

func (t *gorillaTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *gorillaTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *gorillaTransport) Close() error {
	return t.conn.Close()
}
