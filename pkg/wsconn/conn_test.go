package wsconn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	messages [][]byte
	closed   chan struct{}
}

func (r *recorder) HandleMessage(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, frame)
}

func (r *recorder) HandlePong() {}

func (r *recorder) HandleClose() {
	close(r.closed)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func pair(t *testing.T, opts Options) (*Conn, *websocket.Conn) {
	t.Helper()
	conns := make(chan *Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- New(ws, opts)
	}))
	t.Cleanup(ts.Close)
	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })
	return <-conns, peer
}

func TestQueuedFramesAreWrittenBeforeClose(t *testing.T) {
	c, peer := pair(t, Options{})
	require.NoError(t, c.Send([]byte{1}))
	require.NoError(t, c.Send([]byte{2}))
	rec := &recorder{closed: make(chan struct{})}
	c.Start(rec)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send([]byte{3}), ErrClosed)
	assert.False(t, c.Open())

	for _, want := range [][]byte{{1}, {2}} {
		mt, data, err := peer.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		assert.Equal(t, want, data)
	}
	_, _, err := peer.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	select {
	case <-rec.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not told about the close")
	}
}

func TestSendFailsWhenBufferIsFull(t *testing.T) {
	c, _ := pair(t, Options{SendBuffer: 1})
	require.NoError(t, c.Send([]byte{1}))
	assert.ErrorIs(t, c.Send([]byte{2}), ErrBufferFull)
}

func TestInboundBinaryMessagesReachHandler(t *testing.T) {
	c, peer := pair(t, Options{})
	rec := &recorder{closed: make(chan struct{})}
	c.Start(rec)
	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.NoError(t, peer.WriteMessage(websocket.BinaryMessage, []byte{0, 0, 0}))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, peer.Close())
	select {
	case <-rec.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not told about the close")
	}
}
