package utils_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxgio92/xmem/internal/utils"
)

func TestHash(t *testing.T) {
	require.NotEqual(t, utils.Hash("foo"), utils.Hash("bar"),
		"Hash should differ for different inputs",
	)

	require.Equal(
		t, utils.Hash("baz"), utils.Hash("baz"),
		"Hash should be deterministic for the same input",
	)
}

func TestHashAddrs(t *testing.T) {
	require.Equal(t,
		utils.HashAddrs([]uint64{0x10, 0x20}), utils.HashAddrs([]uint64{0x10, 0x20}),
		"HashAddrs should be deterministic for the same input",
	)
	require.NotEqual(t,
		utils.HashAddrs([]uint64{0x10, 0x20}), utils.HashAddrs([]uint64{0x20, 0x10}),
		"HashAddrs should depend on the order",
	)
	require.NotEqual(t, utils.HashAddrs(nil), utils.HashAddrs([]uint64{0}))
}

func TestEqualAddrs(t *testing.T) {
	require.True(t, utils.EqualAddrs(nil, []uint64{}))
	require.True(t, utils.EqualAddrs([]uint64{1, 2}, []uint64{1, 2}))
	require.False(t, utils.EqualAddrs([]uint64{1, 2}, []uint64{1}))
	require.False(t, utils.EqualAddrs([]uint64{1, 2}, []uint64{2, 1}))
}
