package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/internal/check"
	"github.com/wesleyorama2/volley/internal/protocol"
	"github.com/wesleyorama2/volley/internal/stats"
	"github.com/wesleyorama2/volley/internal/transport"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestExecutor_WebSocketExchange(t *testing.T) {
	server := echoServer(t)
	e, rec := newTestExecutor(t, server.URL, []protocol.Option{protocol.WithWSBaseURLs(server.URL)})
	ctx := context.Background()
	s := newSession(1)

	conn, s, err := e.Connect(ctx, s, StreamRequest{Name: "Chat", Kind: transport.WebSocket, URL: "/ws"})
	require.NoError(t, err)

	s, err = e.SendText(ctx, s, conn, "Say", "hi")
	require.NoError(t, err)

	s, err = e.Await(ctx, s, conn, "Reply", 1, 2*time.Second, []check.Check{
		check.Body().Is("echo:hi").SaveAs("reply"),
	})
	require.NoError(t, err)
	reply, _ := s.GetString("reply")
	assert.Equal(t, "echo:hi", reply)

	s = e.CloseStream(s, conn, "Close")
	assert.False(t, s.Failed())

	for _, name := range []string{"Chat", "Reply", "Close"} {
		events := rec.Named(name)
		require.Len(t, events, 1, name)
		assert.Equal(t, stats.OK, events[0].Status, name)
	}
	assert.Equal(t, http.StatusSwitchingProtocols, rec.Named("Chat")[0].StatusCode)
	assert.Empty(t, rec.Named("Say"))
}

func TestExecutor_AwaitTimeout(t *testing.T) {
	server := echoServer(t)
	e, rec := newTestExecutor(t, server.URL, []protocol.Option{protocol.WithWSBaseURLs(server.URL)})
	ctx := context.Background()

	conn, s, err := e.Connect(ctx, newSession(1), StreamRequest{Name: "Chat", Kind: transport.WebSocket, URL: "/ws"})
	require.NoError(t, err)
	defer conn.Stream().Close()

	s, err = e.Await(ctx, s, conn, "Nothing", 1, 100*time.Millisecond, nil)
	require.Error(t, err)
	assert.True(t, s.Failed())

	events := rec.Named("Nothing")
	require.Len(t, events, 1)
	assert.Equal(t, stats.KO, events[0].Status)
	assert.Contains(t, events[0].Cause, "timeout")
}

func TestExecutor_ServerSentEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 1; i <= 2; i++ {
			fmt.Fprintf(w, "event: tick\ndata: %d\n\n", i)
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	e, rec := newTestExecutor(t, server.URL, nil)
	ctx := context.Background()

	conn, s, err := e.Connect(ctx, newSession(1), StreamRequest{
		Name:   "Ticks",
		Kind:   transport.ServerSentEvents,
		URL:    "/events",
		Checks: []check.Check{check.Status().Is(200)},
	})
	require.NoError(t, err)

	s, err = e.Await(ctx, s, conn, "Two ticks", 2, 2*time.Second, []check.Check{
		check.Header("Event").Is("tick"),
		check.Body().SaveAs("tick"),
	})
	require.NoError(t, err)
	tick, _ := s.GetString("tick")
	assert.Equal(t, "2", tick)

	_, err = e.SendText(ctx, s, conn, "Send", "x")
	assert.ErrorIs(t, err, transport.ErrSendUnsupported)
	assert.Equal(t, stats.KO, rec.Named("Send")[0].Status)

	e.CloseStream(s, conn, "Done")
	assert.Equal(t, stats.OK, rec.Named("Two ticks")[0].Status)
}
