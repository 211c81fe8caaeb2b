package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStream(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream/sessions?interval=100ms"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	for i := 0; i < 2; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var list SessionList
		require.NoError(t, conn.ReadJSON(&list))
		assert.Equal(t, 2, list.Count)
		assert.Equal(t, "live", list.Sessions[0].ID)
	}
}

func TestSessionStreamClosedOnShutdown(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream/sessions?interval=1h"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var list SessionList
	require.NoError(t, conn.ReadJSON(&list))

	require.NoError(t, s.Shutdown())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
}

func TestSessionStreamInvalidInterval(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := do(s, http.MethodGet, "/api/v1/stream/sessions?interval=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
