package security

import (
	"net"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	v := NewURL()

	tests := []struct {
		name   string
		url    string
		errMsg string // empty means valid
	}{
		{"public https", "https://example.com/page", ""},
		{"public http", "http://example.com/page", ""},
		{"with port", "https://example.com:8080/api", ""},
		{"public IP", "http://93.184.216.34/", ""},

		{"ftp scheme", "ftp://example.com/file", "unsupported scheme"},
		{"file scheme", "file:///etc/passwd", "unsupported scheme"},
		{"javascript scheme", "javascript:alert(1)", "unsupported scheme"},
		{"empty host", "http:///path", "empty hostname"},

		{"localhost", "http://localhost/admin", "blocked host"},
		{"localhost case insensitive", "http://LOCALHOST/admin", "blocked host"},
		{"gcp metadata hostname", "http://metadata.google.internal/computeMetadata", "blocked host"},

		{"loopback", "http://127.0.0.1:8080/", "loopback"},
		{"loopback range", "http://127.1.2.3/", "loopback"},
		{"ipv6 loopback", "http://[::1]/", "loopback"},
		{"rfc1918 10/8", "http://10.0.0.5/", "private IP"},
		{"rfc1918 172.16/12", "http://172.16.0.1/", "private IP"},
		{"rfc1918 192.168/16", "http://192.168.1.1/router", "private IP"},
		{"link local", "http://169.254.1.1/", "link-local"},
		{"cloud metadata IP", "http://169.254.169.254/latest/meta-data/", "link-local"},
		{"unspecified", "http://0.0.0.0/", "unspecified"},
		{"ipv6 mapped loopback", "http://[::ffff:127.0.0.1]/", "loopback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.url)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestCheckIP(t *testing.T) {
	v := NewURL()

	assert.NoError(t, v.checkIP(net.ParseIP("93.184.216.34")))
	assert.Error(t, v.checkIP(net.ParseIP("10.255.255.255")))
	assert.Error(t, v.checkIP(net.ParseIP("fe80::1")))
	assert.Error(t, v.checkIP(net.ParseIP("::")))
}

func TestSafeTransportDialBlocksIPLiteral(t *testing.T) {
	v := NewURL()

	_, err := v.safeDialContext(t.Context(), "tcp", "127.0.0.1:80")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSRF blocked")
}

func TestValidateRedirect(t *testing.T) {
	v := NewURL()

	target, err := url.Parse("http://169.254.169.254/latest/meta-data/")
	require.NoError(t, err)
	err = v.ValidateRedirect(&http.Request{URL: target}, nil)
	require.Error(t, err)

	ok, err := url.Parse("https://example.com/next")
	require.NoError(t, err)
	assert.NoError(t, v.ValidateRedirect(&http.Request{URL: ok}, nil))

	// Redirect chains are capped.
	via := make([]*http.Request, 10)
	err = v.ValidateRedirect(&http.Request{URL: ok}, via)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirects")
}
