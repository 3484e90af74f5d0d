package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnounceAndWithdraw(t *testing.T) {
	var mu sync.Mutex
	var got []Announcement
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Announcement
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		mu.Lock()
		got = append(got, a)
		mu.Unlock()
	}))
	defer srv.Close()

	r := NewReporter(srv.URL, zerolog.Nop())
	require.True(t, r.Enabled())

	a := Announcement{PID: 123, Rank: 2, Endpoint: "/tmp/probing-123.sock"}
	r.Announce(context.Background(), a)
	r.Withdraw(context.Background(), a)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, 123, got[0].PID)
	assert.Equal(t, 2, got[0].Rank)
	assert.False(t, got[0].Remove)
	assert.True(t, got[1].Remove)
}

func TestUnreachableDirectoryIsNonFatal(t *testing.T) {
	r := NewReporter("http://127.0.0.1:1/nowhere", zerolog.Nop())
	// Must return, not panic or hang.
	r.Announce(context.Background(), Announcement{PID: 1})
}

func TestDisabledReporter(t *testing.T) {
	r := NewReporter("", zerolog.Nop())
	assert.False(t, r.Enabled())
	r.Announce(context.Background(), Announcement{PID: 1})
}

func TestRankFromEnv(t *testing.T) {
	t.Setenv("RANK", "3")
	assert.Equal(t, 3, Rank())

	t.Setenv("RANK", "")
	t.Setenv("LOCAL_RANK", "1")
	assert.Equal(t, 1, Rank())

	t.Setenv("LOCAL_RANK", "")
	assert.Equal(t, 0, Rank())
}

func TestPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Announcement{
			{PID: 1, Rank: 0, Endpoint: "a"},
			{PID: 2, Rank: 1, Endpoint: "b"},
		})
	}))
	defer srv.Close()

	peers, err := Peers(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, 1, peers[1].Rank)
}
