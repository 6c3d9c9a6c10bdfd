package dedup

import (
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	cases := map[string]string{
		" 2024-01-02T03:04:05Z ":      "2024-01-02T03:04:05",
		"2024-01-02T03:04:05.123456Z": "2024-01-02T03:04:05.123",
		"2024-01-02T03:04:05.1Z":      "2024-01-02T03:04:05.1",
		"2024-01-02T03:04:05":         "2024-01-02T03:04:05",
	}
	for in, want := range cases {
		assert.Equal(t, want, Canonicalize(in), "input %q", in)
	}
}

func TestDedupSet_NewKeyIsNotDuplicate(t *testing.T) {
	d := New(Config{MaxMemKeys: 1000, SpillDir: t.TempDir()}, logrus.New())

	dup, err := d.ContainsOrInsert("T1")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestDedupSet_RepeatedKeyIsDuplicate(t *testing.T) {
	d := New(Config{MaxMemKeys: 1000, SpillDir: t.TempDir()}, logrus.New())

	_, err := d.ContainsOrInsert("T1")
	require.NoError(t, err)

	dup, err := d.ContainsOrInsert("T1")
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestDedupSet_CanonicalizationMakesKeysEqual(t *testing.T) {
	d := New(Config{MaxMemKeys: 1000, SpillDir: t.TempDir()}, logrus.New())

	_, err := d.ContainsOrInsert("2024-01-02T03:04:05.123456Z")
	require.NoError(t, err)

	dup, err := d.ContainsOrInsert("2024-01-02T03:04:05.123")
	require.NoError(t, err)
	assert.True(t, dup, "sub-millisecond precision and trailing Z must canonicalize identically")
}

func TestDedupSet_SpillTransitionExactlyOnce(t *testing.T) {
	d := New(Config{MaxMemKeys: 1000, SpillDir: t.TempDir()}, logrus.New())

	for i := 0; i < 1000; i++ {
		dup, err := d.ContainsOrInsert(fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		assert.False(t, dup)
	}
	assert.Equal(t, ModeMem, d.Mode(), "1000 distinct keys must not yet trigger a spill")

	dup, err := d.ContainsOrInsert("key-1000")
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, ModeSpill, d.Mode(), "the 1001st distinct key must trigger exactly one spill transition")

	// No membership loss across the transition.
	for i := 0; i < 1001; i++ {
		dup, err := d.ContainsOrInsert(fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		assert.True(t, dup, "key-%d must still be a member after spilling", i)
	}

	require.NoError(t, d.Close())
}

func TestDedupSet_SpillModeIsMonotonic(t *testing.T) {
	d := New(Config{MaxMemKeys: 2, SpillDir: t.TempDir()}, logrus.New())

	_, _ = d.ContainsOrInsert("a")
	_, _ = d.ContainsOrInsert("b")
	_, err := d.ContainsOrInsert("c")
	require.NoError(t, err)
	require.Equal(t, ModeSpill, d.Mode())

	// Even after many more inserts the set never returns to memory mode.
	for i := 0; i < 100; i++ {
		_, err := d.ContainsOrInsert(fmt.Sprintf("extra-%d", i))
		require.NoError(t, err)
		require.Equal(t, ModeSpill, d.Mode())
	}

	require.NoError(t, d.Close())
}
