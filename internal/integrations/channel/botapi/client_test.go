package botapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/BearBump/RideDispatch/internal/integrations/channel"
	"github.com/stretchr/testify/require"
)

func TestClient_Send_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/broadcast", r.URL.Path)
		require.Equal(t, "k", r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"rideId":"R1"}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"message_id":"m-1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	ack, err := c.Send(context.Background(), channel.Request{Payload: []byte(`{"rideId":"R1"}`)})
	require.NoError(t, err)
	require.Equal(t, "m-1", ack.MessageID)
}

func TestClient_Send_429IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k").Send(context.Background(), channel.Request{Payload: []byte(`{}`)})
	require.Error(t, err)
	require.False(t, channel.IsPermanent(err))
}

func TestClient_Send_400IsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k").Send(context.Background(), channel.Request{Payload: []byte(`{}`)})
	require.Error(t, err)
	require.True(t, channel.IsPermanent(err))
}

func TestClient_Send_NotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"no subscribers"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Send(context.Background(), channel.Request{Payload: []byte(`{}`)})
	require.ErrorContains(t, err, "no subscribers")
}

func TestClient_HealthProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	require.NoError(t, c.HealthProbe(context.Background()))
	healthy.Store(false)
	require.Error(t, c.HealthProbe(context.Background()))
}
