package siteclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattercrawl/engine/internal/crawlerr"
)

func TestListPageURL(t *testing.T) {
	c, err := New("https://example.org/csa-iot_products", "p_certification_program=matter", WithTimeout(time.Second))
	require.NoError(t, err)

	require.Equal(t, "https://example.org/csa-iot_products?p_certification_program=matter", c.ListPageURL(1))
	require.Equal(t, "https://example.org/csa-iot_products/page/7?p_certification_program=matter", c.ListPageURL(7))
}

func TestFetchListPage_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "matter", r.URL.Query().Get("filter"))
		_, _ = w.Write([]byte("<html><body>listing</body></html>"))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "filter=matter")
	require.NoError(t, err)

	res, err := c.FetchListPage(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.Contains(t, res.HTML, "listing")
	require.Greater(t, res.Latency, time.Duration(0))
}

func TestFetch_ClassifiesStatuses(t *testing.T) {
	tests := []struct {
		status     int
		retryAfter string
		want       crawlerr.Kind
	}{
		{http.StatusTooManyRequests, "2", crawlerr.KindRateLimit},
		{http.StatusNotFound, "", crawlerr.KindNotFound},
		{http.StatusBadGateway, "", crawlerr.KindServerError},
		{http.StatusForbidden, "", crawlerr.KindClientError},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tt.retryAfter != "" {
				w.Header().Set("Retry-After", tt.retryAfter)
			}
			w.WriteHeader(tt.status)
		}))

		c, err := New(srv.URL, "")
		require.NoError(t, err)

		res, err := c.FetchDetail(context.Background(), srv.URL)
		require.Error(t, err)
		kind, ok := crawlerr.KindOf(err)
		require.True(t, ok)
		require.Equal(t, tt.want, kind)
		require.Equal(t, tt.status, res.Status)
		if tt.retryAfter != "" {
			require.Equal(t, 2*time.Second, res.RetryAfter)
		}
		srv.Close()
	}
}

func TestFetch_TimeoutClassifiedAsNetworkTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.FetchListPage(ctx, 1)
	require.Error(t, err)
	kind, ok := crawlerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, crawlerr.KindNetworkTimeout, kind)
}
