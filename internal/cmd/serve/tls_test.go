package serve

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/chirino/chat-sync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerCertificate(t *testing.T) {
	_, err := serverCertificate("cert.pem", "")
	assert.Error(t, err)

	a, err := serverCertificate("", "")
	require.NoError(t, err)
	b, err := serverCertificate("", "")
	require.NoError(t, err)
	assert.Equal(t, a.Certificate, b.Certificate)
	require.NotNil(t, a.Leaf)
	assert.Contains(t, a.Leaf.DNSNames, "localhost")
}

func TestStartSinglePortHTTP_SplitsTLSAndPlaintext(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil {
			fmt.Fprint(w, "tls")
			return
		}
		fmt.Fprint(w, "plain")
	})
	rs, err := StartSinglePortHTTP("test", config.ListenerConfig{EnablePlainText: true, EnableTLS: true}, handler)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rs.Close(ctx)
	})

	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	for scheme, want := range map[string]string{"http": "plain", "https": "tls"} {
		resp, err := client.Get(fmt.Sprintf("%s://127.0.0.1:%d/", scheme, rs.Port))
		require.NoError(t, err, scheme)
		body := make([]byte, 16)
		n, _ := resp.Body.Read(body)
		_ = resp.Body.Close()
		assert.Equal(t, want, string(body[:n]), scheme)
	}

	_, err = StartSinglePortHTTP("off", config.ListenerConfig{}, handler)
	assert.Error(t, err)
}
