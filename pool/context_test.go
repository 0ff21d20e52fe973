package pool

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolContextWithDefaults(t *testing.T) {
	cfg := PoolContext{}.WithDefaults()
	assert.Equal(t, 5*time.Second, cfg.ResponseTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.StreamingBufferWindow)
	assert.Equal(t, 30*time.Second, cfg.MaxReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.PublishTimeout)
	assert.NotNil(t, cfg.Now)
	assert.NotNil(t, cfg.EventStore)
}

func TestPoolContextConnectTimeoutClamp(t *testing.T) {
	cfg := PoolContext{ResponseTimeout: 2 * time.Second}.WithDefaults()
	assert.Equal(t, 2*time.Second, cfg.connectTimeout())

	cfg = PoolContext{ResponseTimeout: time.Minute}.WithDefaults()
	assert.Equal(t, 5*time.Second, cfg.connectTimeout(), "connect is capped at 5s")
}

func TestMemoryEventStoreQuery(t *testing.T) {
	store := NewMemoryEventStore()

	tagged := testEvent("tagged", 300)
	tagged.Tags = nostr.Tags{{"t", "golang"}}
	saved := store.Save([]Event{
		testEvent("a", 100),
		testEvent("b", 200),
		tagged,
	})
	require.Len(t, saved, 3)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{
			name:   "by id",
			filter: Filter{IDs: []string{"a"}},
			want:   []string{"a"},
		},
		{
			name:   "by kind",
			filter: Filter{Kinds: []int{1}},
			want:   []string{"a", "b", "tagged"},
		},
		{
			name:   "since excludes older",
			filter: Filter{Since: timestampPtr(150)},
			want:   []string{"b", "tagged"},
		},
		{
			name:   "until excludes newer",
			filter: Filter{Until: timestampPtr(150)},
			want:   []string{"a"},
		},
		{
			name:   "by tag",
			filter: Filter{Tags: nostr.TagMap{"t": []string{"golang"}}},
			want:   []string{"tagged"},
		},
		{
			name:   "no match",
			filter: Filter{Authors: []string{"deadbeef"}},
			want:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := store.Query(tt.filter)
			ids := make([]string, 0, len(got))
			for _, ev := range got {
				ids = append(ids, ev.ID)
			}
			assert.ElementsMatch(t, tt.want, ids)
		})
	}
}

func timestampPtr(v int64) *nostr.Timestamp {
	ts := nostr.Timestamp(v)
	return &ts
}
