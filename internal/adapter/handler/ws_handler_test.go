package handler

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/core/service"
)

func newWSServer(t *testing.T, stack *testStack) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewWSHandler(stack.mutations, stack.registry, 16, nil))
	t.Cleanup(srv.Close)
	return srv
}

// dialWS connects and waits for the pong, so the session is registered and
// subscribed when it returns.
func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sendWS(t, conn, MsgPing, nil)
	require.Equal(t, MsgPong, readWS(t, conn).Type)
	return conn
}

func sendWS(t *testing.T, conn *websocket.Conn, typ MessageType, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(envelope(typ, data)))
}

func readWS(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Envelope
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func readUpdate(t *testing.T, conn *websocket.Conn) InventoryUpdatePayload {
	t.Helper()
	msg := readWS(t, conn)
	require.Equal(t, MsgInventoryUpdate, msg.Type)
	var p InventoryUpdatePayload
	require.NoError(t, json.Unmarshal(msg.Data, &p))
	return p
}

func TestWS_ScanBroadcastToAllSessions(t *testing.T) {
	stack := newTestStack(t, stockItem("item-1", "123", 5))
	srv := newWSServer(t, stack)
	a := dialWS(t, srv, "")
	b := dialWS(t, srv, "")

	_, err := stack.mutations.Scan(context.Background(), "123", "req-1")
	require.NoError(t, err)

	want := InventoryUpdatePayload{ProductID: "item-1", Quantity: 6, Revision: 2}
	assert.Equal(t, want, readUpdate(t, a))
	assert.Equal(t, want, readUpdate(t, b))
}

func TestWS_UpdateInventoryMessage(t *testing.T) {
	stack := newTestStack(t, stockItem("item-1", "123", 5))
	srv := newWSServer(t, stack)
	sender := dialWS(t, srv, "")
	watcher := dialWS(t, srv, "")

	qty := 10
	sendWS(t, sender, MsgUpdateInventory, UpdateInventoryPayload{ProductID: "item-1", Quantity: &qty})

	assert.Equal(t, 10, readUpdate(t, sender).Quantity)
	assert.Equal(t, 10, readUpdate(t, watcher).Quantity)

	txns, err := stack.mutations.History(context.Background(), "item-1", 1)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, domain.SourceManual, txns[0].Source)
}

func TestWS_UpdatesArriveInCommitOrder(t *testing.T) {
	stack := newTestStack(t, stockItem("item-1", "123", 0))
	srv := newWSServer(t, stack)
	conn := dialWS(t, srv, "")

	for i := 0; i < 10; i++ {
		_, err := stack.mutations.Scan(context.Background(), "123", "")
		require.NoError(t, err)
	}
	for i := 1; i <= 10; i++ {
		p := readUpdate(t, conn)
		assert.Equal(t, i, p.Quantity)
		assert.Equal(t, int64(i+1), p.Revision)
	}
}

func TestWS_ErrorReplies(t *testing.T) {
	stack := newTestStack(t, stockItem("item-1", "123", 5))
	srv := newWSServer(t, stack)
	conn := dialWS(t, srv, "")

	qty := 1
	cases := []struct {
		name string
		typ  MessageType
		data any
		want string
	}{
		{"unknown product", MsgUpdateInventory, UpdateInventoryPayload{ProductID: "nope", Quantity: &qty}, "product not found"},
		{"missing quantity", MsgUpdateInventory, UpdateInventoryPayload{ProductID: "item-1"}, "update_inventory requires productId and quantity"},
		{"unknown type", MessageType("restock"), nil, "unknown message type: restock"},
		{"subscribe without topic", MsgSubscribe, TopicPayload{}, "subscribe requires a topic"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sendWS(t, conn, tc.typ, tc.data)
			msg := readWS(t, conn)
			require.Equal(t, MsgError, msg.Type)
			var p ErrorPayload
			require.NoError(t, json.Unmarshal(msg.Data, &p))
			assert.Equal(t, tc.want, p.Message)
		})
	}

	negative := -3
	sendWS(t, conn, MsgUpdateInventory, UpdateInventoryPayload{ProductID: "item-1", Quantity: &negative})
	msg := readWS(t, conn)
	require.Equal(t, MsgError, msg.Type)

	item, err := stack.mutations.Get(context.Background(), domain.ByID("item-1"))
	require.NoError(t, err)
	assert.Equal(t, 5, item.Quantity)
}

func TestWS_TopicSubscription(t *testing.T) {
	stack := newTestStack(t, stockItem("item-1", "123", 5))
	srv := newWSServer(t, stack)
	conn := dialWS(t, srv, "?topic=/other")
	witness := dialWS(t, srv, "")

	_, err := stack.mutations.Scan(context.Background(), "123", "")
	require.NoError(t, err)
	require.Equal(t, 6, readUpdate(t, witness).Quantity)

	sendWS(t, conn, MsgSubscribe, TopicPayload{Topic: "/inventory"})
	ack := readWS(t, conn)
	require.Equal(t, MsgSubscribed, ack.Type)

	_, err = stack.mutations.Scan(context.Background(), "123", "")
	require.NoError(t, err)

	// The first scan happened before the subscription and must not show up.
	assert.Equal(t, 7, readUpdate(t, conn).Quantity)

	sendWS(t, conn, MsgUnsubscribe, TopicPayload{Topic: "/inventory"})
	require.Equal(t, MsgUnsubscribed, readWS(t, conn).Type)
	assert.Len(t, stack.registry.SubscribersOf("/inventory"), 1)
}

func TestWS_CloseDisconnectsSession(t *testing.T) {
	stack := newTestStack(t, stockItem("item-1", "123", 5))
	srv := newWSServer(t, stack)
	conn := dialWS(t, srv, "")
	require.Equal(t, 1, stack.registry.Len())

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	assert.Eventually(t, func() bool { return stack.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, stack.registry.SubscribersOf("/inventory"))

	// Mutations keep working with nobody listening.
	_, err := stack.mutations.Scan(context.Background(), "123", "")
	require.NoError(t, err)
}

func TestWS_ServerShutdownClosesSessions(t *testing.T) {
	stack := newTestStack(t, stockItem("item-1", "123", 5))
	srv := newWSServer(t, stack)
	srv.Config.RegisterOnShutdown(func() { stack.registry.DisconnectAll() })
	a := dialWS(t, srv, "")
	b := dialWS(t, srv, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Config.Shutdown(ctx))

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	}
	assert.Equal(t, 0, stack.registry.Len())

	stack.mutations.Close()
	_, err := stack.mutations.SetQuantity(context.Background(), "item-1", 9, domain.Cause{Source: domain.SourceManual})
	require.ErrorIs(t, err, service.ErrClosed)

	item, err := stack.mutations.Get(context.Background(), domain.ByID("item-1"))
	require.NoError(t, err)
	assert.Equal(t, 5, item.Quantity)
}
