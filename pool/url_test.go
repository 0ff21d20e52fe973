package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    RelayUrl
		wantErr bool
	}{
		{
			name: "bare host gets wss",
			raw:  "relay.damus.io",
			want: "wss://relay.damus.io",
		},
		{
			name: "uppercase scheme and host",
			raw:  "WSS://Relay.Damus.IO/",
			want: "wss://relay.damus.io",
		},
		{
			name: "default port elided",
			raw:  "wss://relay.damus.io:443",
			want: "wss://relay.damus.io",
		},
		{
			name: "non-default port kept",
			raw:  "ws://localhost:7777",
			want: "ws://localhost:7777",
		},
		{
			name: "http becomes ws",
			raw:  "http://localhost:7777",
			want: "ws://localhost:7777",
		},
		{
			name: "https becomes wss",
			raw:  "https://relay.damus.io",
			want: "wss://relay.damus.io",
		},
		{
			name: "path preserved without trailing slash",
			raw:  "wss://relay.example.com/v2/",
			want: "wss://relay.example.com/v2",
		},
		{
			name: "fragment dropped",
			raw:  "wss://relay.example.com/#frag",
			want: "wss://relay.example.com",
		},
		{
			name:    "empty",
			raw:     "",
			wantErr: true,
		},
		{
			name:    "missing host",
			raw:     "wss://",
			wantErr: true,
		},
		{
			name:    "unsupported scheme",
			raw:     "ftp://relay.example.com",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.IsType(t, &InvalidURLError{}, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeURLIdempotent(t *testing.T) {
	for _, raw := range []string{
		"relay.damus.io",
		"WSS://Relay.Damus.IO:443/v2/",
		"ws://localhost:7777",
		"wss://relay.example.com?list=true",
	} {
		once, err := NormalizeURL(raw)
		require.NoError(t, err)
		twice, err := NormalizeURL(string(once))
		require.NoError(t, err)
		assert.Equal(t, once, twice, "normalize(normalize(%q))", raw)
	}
}
