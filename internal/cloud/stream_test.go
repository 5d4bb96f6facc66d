package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndEndStream(t *testing.T) {
	var ended string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		switch r.URL.Path {
		case "/base/api/stream/create":
			var in CreateStreamRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			assert.Equal(t, "u1", in.UserID)
			assert.Equal(t, "Morning walk", in.Title)
			assert.Equal(t, "custom", in.Platform)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(StreamSession{StreamID: "s1", StreamURL: "wss://relay/live/s1", StreamKey: "sk"})
		case "/base/api/stream/end":
			var in endStreamRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			ended = in.StreamID
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	api, err := NewStreamAPI(srv.URL+"/base", "tok")
	require.NoError(t, err)

	s, err := api.CreateStream(context.Background(), CreateStreamRequest{UserID: "u1", Title: "Morning walk"})
	require.NoError(t, err)
	assert.Equal(t, "s1", s.StreamID)
	assert.Equal(t, "wss://relay/live/s1", s.StreamURL)
	assert.Equal(t, "sk", s.StreamKey)

	require.NoError(t, api.EndStream(context.Background(), "s1"))
	assert.Equal(t, "s1", ended)
}

func TestCreateStreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/stream/create" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("bad token"))
			return
		}
		w.Write([]byte(`{"streamId":"x"}`))
	}))
	defer srv.Close()

	api, err := NewStreamAPI(srv.URL, "")
	require.NoError(t, err)
	_, err = api.CreateStream(context.Background(), CreateStreamRequest{UserID: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	_, err = NewStreamAPI("", "")
	assert.Error(t, err)
}
