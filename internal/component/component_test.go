package component

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateCacheType(t *testing.T) {
	for _, ok := range []string{"", "redis", "freecache"} {
		require.NoError(t, ValidateCacheType(ok))
	}
	require.Error(t, ValidateCacheType("memcached"))
}

func TestGetCache_DefaultsToFreecache(t *testing.T) {
	c, err := GetCache(context.Background(), "", "", "", 60)
	require.NoError(t, err)
	require.Equal(t, 60, c.GetDefaultTTL())

	require.NoError(t, c.Put(context.Background(), "k", "v", 60))
	var out string
	require.NoError(t, c.Get(context.Background(), "k", &out))
	require.Equal(t, "v", out)
}

func TestGetCache_UnknownTypeAlsoDefaultsToFreecache(t *testing.T) {
	c, err := GetCache(context.Background(), "bogus", "", "", 30)
	require.NoError(t, err)
	require.Equal(t, 30, c.GetDefaultTTL())
}
