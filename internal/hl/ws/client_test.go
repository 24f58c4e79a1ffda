package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func wsServer(t *testing.T, onMessage func(ctx context.Context, conn *websocket.Conn, msg map[string]any)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			onMessage(ctx, conn, msg)
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClientSendsPing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	msgCh := make(chan map[string]any, 1)
	url := wsServer(t, func(_ context.Context, _ *websocket.Conn, msg map[string]any) {
		select {
		case msgCh <- msg:
		default:
		}
	})
	client := New(url, 10*time.Millisecond, 20*time.Millisecond, zap.NewNop())
	go func() {
		_ = client.Run(ctx, nil)
	}()

	select {
	case msg := <-msgCh:
		if msg["method"] != "ping" {
			t.Fatalf("expected ping message, got %v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for ping")
	}
}

func TestClientReplaysSubscriptionsAndDispatches(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := wsServer(t, func(ctx context.Context, conn *websocket.Conn, msg map[string]any) {
		if msg["method"] != "subscribe" {
			return
		}
		sub, _ := msg["subscription"].(map[string]any)
		reply := map[string]any{
			"channel": "l2Book",
			"data":    map[string]any{"coin": sub["coin"]},
		}
		data, _ := json.Marshal(reply)
		_ = conn.Write(ctx, websocket.MessageText, data)
	})
	client := New(url, 10*time.Millisecond, 0, nil)
	if err := client.Subscribe(ctx, map[string]any{"type": "l2Book", "coin": "BTC"}); err != nil {
		t.Fatalf("subscribe before connect: %v", err)
	}

	got := make(chan Message, 1)
	go func() {
		_ = client.Run(ctx, func(msg Message) {
			select {
			case got <- msg:
			default:
			}
		})
	}()

	select {
	case msg := <-got:
		if msg.Channel != "l2Book" || !strings.Contains(string(msg.Data), "BTC") {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for book update")
	}
	if !client.Connected() {
		t.Fatalf("expected connected client")
	}
}
