package proxy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"firestige.xyz/wstap/internal/intercept"
)

// bridge pumps frames both ways between one client and its upstream.
type bridge struct {
	client   *websocket.Conn
	upstream *intercept.Conn
	target   string

	closeOnce sync.Once
}

// messageConn is the side of a bridge a pump reads from or writes to.
type messageConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	WriteControl(int, []byte, time.Time) error
}

func (b *bridge) run() {
	slog.Info("bridge opened", "target", b.target, "client", b.client.RemoteAddr().String())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pump(b.upstream, b.client)
		b.close()
	}()
	go func() {
		defer wg.Done()
		pump(b.client, b.upstream)
		b.close()
	}()
	wg.Wait()

	slog.Info("bridge closed", "target", b.target)
}

// pump copies messages from src to dst preserving their type. A close
// frame from src is relayed to dst.
func pump(src, dst messageConn) {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			code, text := websocket.CloseNormalClosure, ""
			if ce, ok := err.(*websocket.CloseError); ok {
				code, text = ce.Code, ce.Text
			}
			if code != websocket.CloseNoStatusReceived && code != websocket.CloseAbnormalClosure {
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
			}
			return
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func (b *bridge) close() {
	b.closeOnce.Do(func() {
		_ = b.client.Close()
		_ = b.upstream.Close()
	})
}
