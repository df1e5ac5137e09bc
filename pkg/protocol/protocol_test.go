package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/pkg/docstore"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Op:      OpSetSnapshot,
		WatchID: 7,
		Docs: []Doc{
			{ID: "a", Path: "todos/a", Fields: docstore.Fields{"title": "x", "rank": int64(1)}},
			{ID: "b", Path: "todos/b", Fields: docstore.Fields{"title": "y"}},
		},
		UpdateTime: time.Unix(1700000000, 0).UTC(),
	}

	raw, err := env.Encode()
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, OpSetSnapshot, got.Op)
	assert.EqualValues(t, 7, got.WatchID)
	require.Len(t, got.Docs, 2)
	assert.Equal(t, "todos/a", got.Docs[0].Path)
	assert.Equal(t, "x", got.Docs[0].Fields["title"])
	assert.True(t, env.UpdateTime.Equal(got.UpdateTime))
}

func TestEnvelopeQuerySpec(t *testing.T) {
	env := &Envelope{
		Op:      OpWatchSet,
		WatchID: 1,
		Query: &docstore.QuerySpec{
			Parent:  "todos",
			Filters: []docstore.Filter{{Field: "done", Op: "==", Value: false}},
			Orders:  []docstore.Order{{Field: "rank", Desc: true}},
			N:       5,
		},
	}

	raw, err := env.Encode()
	require.NoError(t, err)
	got, err := Decode(raw)
	require.NoError(t, err)

	require.NotNil(t, got.Query)
	assert.Equal(t, "todos", got.Query.Parent)
	require.Len(t, got.Query.Filters, 1)
	assert.Equal(t, "==", got.Query.Filters[0].Op)
	assert.Equal(t, false, got.Query.Filters[0].Value)
	assert.Equal(t, 5, got.Query.N)
}

func TestWebSocketConnExchange(t *testing.T) {
	serverGot := make(chan *Envelope, 1)
	handler := WebSocketHandler(func(conn Conn) {
		defer func() { _ = conn.Close() }()
		env, err := conn.Receive()
		if err != nil {
			return
		}
		serverGot <- env
		_ = conn.Send(&Envelope{Op: OpWelcome, ReqID: env.ReqID})
	})

	srv := httptest.NewServer(handler)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := DialWebSocket(ctx, url)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.Send(&Envelope{Op: OpHello, ReqID: 3, Token: "tok"}))

	select {
	case env := <-serverGot:
		assert.Equal(t, OpHello, env.Op)
		assert.Equal(t, "tok", env.Token)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the hello frame")
	}

	reply, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, OpWelcome, reply.Op)
	assert.EqualValues(t, 3, reply.ReqID)
}

func TestQUICConnExchange(t *testing.T) {
	listener, err := ListenQUIC("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept(context.Background())
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			env, err := conn.Receive()
			if err != nil {
				return
			}
			if env.Op == OpPing {
				_ = conn.Send(&Envelope{Op: OpPong, ReqID: env.ReqID})
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := DialQUIC(ctx, listener.Addr().String(), nil)
	require.NoError(t, err)

	require.NoError(t, conn.Send(&Envelope{Op: OpPing, ReqID: 9}))
	reply, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, OpPong, reply.Op)
	assert.EqualValues(t, 9, reply.ReqID)

	require.NoError(t, conn.Close())
	<-done
}

func TestHandlerRejectsPlainHTTP(t *testing.T) {
	srv := httptest.NewServer(WebSocketHandler(func(Conn) {}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
