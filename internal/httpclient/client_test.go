package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	client, err := New(Options{Timeout: 5 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, client.Timeout)
	assert.Equal(t, DefaultMaxRedirects, client.maxRedirects)
	assert.Equal(t, []string{"http", "https"}, client.allowedSchemes)
}

func TestNew_Proxy(t *testing.T) {
	tests := []struct {
		name    string
		proxy   string
		wantErr bool
	}{
		{name: "http proxy", proxy: "http://proxy.internal:3128"},
		{name: "socks5 proxy", proxy: "socks5://127.0.0.1:1080"},
		{name: "unsupported scheme", proxy: "ftp://proxy.internal", wantErr: true},
		{name: "missing host", proxy: "http://", wantErr: true},
		{name: "unparseable", proxy: "http://[::1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(Options{Proxy: tt.proxy})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			transport, ok := client.Transport.(*http.Transport)
			require.True(t, ok)
			req, _ := http.NewRequest(http.MethodGet, "https://jira.example.com", nil)
			proxyURL, err := transport.Proxy(req)
			require.NoError(t, err)
			assert.Equal(t, tt.proxy, proxyURL.String())
		})
	}
}

func TestDo_RejectsScheme(t *testing.T) {
	client, err := New(Options{})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, "file:///etc/passwd", nil)
	_, err = client.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme")
}

func TestRedirectLimit(t *testing.T) {
	var hits int
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Redirect(w, r, server.URL+"/again", http.StatusFound)
	}))
	defer server.Close()

	client, err := New(Options{MaxRedirects: 3})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err = client.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 3 redirects")
	assert.Equal(t, 3, hits)
}

func TestWrapClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := WrapClient(server.Client())
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
