package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegram_SendMessage(t *testing.T) {
	var got sendMessageReq
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":11}}`))
	}))
	defer srv.Close()

	tg := NewTelegram(srv.URL+"/", "123:abc", "-10042", time.Second)
	require.NoError(t, tg.Notify(context.Background(), "<b>hi</b>"))

	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, sendMessageReq{ChatID: "-10042", Text: "<b>hi</b>", ParseMode: "HTML"}, got)
}

func TestTelegram_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	err := NewTelegram(srv.URL, "t", "c", time.Second).Notify(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegram_TransportErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewTelegram(url, "999:secret-token", "c", time.Second).Notify(context.Background(), "x")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-token")
}
