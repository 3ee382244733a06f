package httputil

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientsUsesProxy(t *testing.T) {
	c := NewClients("http://proxy.internal:3128", 5*time.Second)
	assert.Equal(t, 5*time.Second, c.Scraping.Timeout)
	assert.Equal(t, 5*time.Second, c.API.Timeout)

	tr, ok := c.Scraping.Transport.(*http.Transport)
	require.True(t, ok)
	req, _ := http.NewRequest(http.MethodGet, "https://shop.example.com", nil)
	proxy, err := tr.Proxy(req)
	require.NoError(t, err)
	require.NotNil(t, proxy)
	assert.Equal(t, "proxy.internal:3128", proxy.Host)
}

func TestNewClientsDefaultsTimeout(t *testing.T) {
	c := NewClients("", 0)
	assert.Equal(t, 30*time.Second, c.API.Timeout)
}
