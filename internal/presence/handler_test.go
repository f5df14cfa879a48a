package presence

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

func TestOnlineHandler(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, r.SetOnline(ctx, "carol", SessionToken{ConnectionID: "c2", Server: "relay-a", ConnectedAt: now}))
	require.NoError(t, r.SetOnline(ctx, "bob", SessionToken{ConnectionID: "c1", Server: "relay-b", ConnectedAt: now}))

	rec := httptest.NewRecorder()
	OnlineHandler(r).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/online", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body onlineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, []string{"bob", "carol"}, body.Users)

	mr.SetError("ERR store unavailable")
	rec = httptest.NewRecorder()
	OnlineHandler(r).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/online", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
