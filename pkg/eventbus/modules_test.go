package eventbus_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modkit/eventbus/pkg/eventbus"
)

func TestStaticModules(t *testing.T) {
	r := eventbus.NewStaticModules("user-mgmt", "billing")
	ctx := context.Background()

	known, err := r.KnownModule(ctx, "user-mgmt")
	require.NoError(t, err)
	assert.True(t, known)

	known, err = r.KnownModule(ctx, "intruder")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestAllowAllModules(t *testing.T) {
	known, err := eventbus.AllowAllModules{}.KnownModule(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, known)
}

func TestHTTPResolver(t *testing.T) {
	var lookups atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lookups.Add(1)
		switch r.URL.Path {
		case "/modules/user-mgmt":
			w.WriteHeader(http.StatusOK)
		case "/modules/flaky":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r, err := eventbus.NewHTTPResolver(srv.URL+"/modules", nil, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	known, err := r.KnownModule(ctx, "user-mgmt")
	require.NoError(t, err)
	assert.True(t, known)

	// Positive results are cached.
	known, err = r.KnownModule(ctx, "user-mgmt")
	require.NoError(t, err)
	assert.True(t, known)
	assert.Equal(t, int64(1), lookups.Load())

	known, err = r.KnownModule(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, known)

	_, err = r.KnownModule(ctx, "flaky")
	assert.Error(t, err)
}

func TestNewHTTPResolverRejectsBadURL(t *testing.T) {
	_, err := eventbus.NewHTTPResolver("not-a-url", nil, 0)
	assert.Error(t, err)
}
