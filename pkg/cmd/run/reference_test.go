package run

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteConfigReference(t *testing.T) {
	var b strings.Builder
	require.NoError(t, WriteConfigReference(&b, NewCommand(NewOptions())))
	ref := b.String()

	require.Contains(t, ref, "| `dump-format` | `XMEM_DUMP_FORMAT` | `json` |")
	require.Contains(t, ref, "| `symbol-cache-size` | `XMEM_SYMBOL_CACHE_SIZE` |")
	require.Contains(t, ref, "| `optional-programs` |")
	require.Contains(t, ref, "| 1 | page-alloc | 24 | address@0 w8, order@8 w4 |")
	require.Contains(t, ref, "| 4 | kmalloc | 40 | call_site@0 w8, address@8 w8, size@24 w8 |")

	// Only the keys the config file can hold are listed.
	require.NotContains(t, ref, "`detach`")
	require.NotContains(t, ref, "`config`")
}
