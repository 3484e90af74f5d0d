package inject

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `55c8a0000000-55c8a0020000 r--p 00000000 08:01 131  /usr/bin/python3.11
55c8a0020000-55c8a0350000 r-xp 00020000 08:01 131  /usr/bin/python3.11
55c8a0350000-55c8a0360000 rw-p 00350000 08:01 131  /usr/bin/python3.11
7f2b40000000-7f2b40021000 rw-p 00000000 00:00 0
7f2b44000000-7f2b44028000 r--p 00000000 08:01 262  /usr/lib/x86_64-linux-gnu/libc.so.6
7f2b44028000-7f2b441bd000 r-xp 00028000 08:01 262  /usr/lib/x86_64-linux-gnu/libc.so.6
7f2b441bd000-7f2b44215000 r--p 001bd000 08:01 262  /usr/lib/x86_64-linux-gnu/libc.so.6
7f2b44215000-7f2b44219000 rw-p 00214000 08:01 262  /usr/lib/x86_64-linux-gnu/libc.so.6
7ffc81000000-7ffc81021000 rw-p 00000000 00:00 0    [stack]
7ffc810fe000-7ffc81100000 r-xp 00000000 00:00 0    [vdso]
`

func TestParseMaps(t *testing.T) {
	regions, err := parseMaps(sampleMaps)
	require.NoError(t, err)
	require.Len(t, regions, 10)

	first := regions[0]
	assert.Equal(t, uint64(0x55c8a0000000), first.Start)
	assert.Equal(t, uint64(0x55c8a0020000), first.End)
	assert.Equal(t, "/usr/bin/python3.11", first.Path)
	assert.True(t, first.Readable())
	assert.False(t, first.Executable())

	text := regions[1]
	assert.True(t, text.Executable())
	assert.False(t, text.Writable())
	assert.Equal(t, uint64(0x20000), text.Offset)
}

func TestModuleBaseFindsLowestMapping(t *testing.T) {
	regions, err := parseMaps(sampleMaps)
	require.NoError(t, err)

	base, path, ok := moduleBase(regions, isLibc)
	require.True(t, ok)
	assert.Equal(t, uint64(0x7f2b44000000), base)
	assert.Equal(t, "/usr/lib/x86_64-linux-gnu/libc.so.6", path)

	_, _, ok = moduleBase(regions, isLibdl)
	assert.False(t, ok)
}

func TestFindExecRegionSkipsPseudoMappings(t *testing.T) {
	regions, err := parseMaps(sampleMaps)
	require.NoError(t, err)

	addr, err := findExecRegion(regions, 16)
	require.NoError(t, err)
	// The python text segment, not [vdso].
	assert.Equal(t, uint64(0x55c8a0020000), addr)
}

func TestFindExecRegionNoCandidate(t *testing.T) {
	regions, err := parseMaps("7ffc81000000-7ffc81021000 rw-p 00000000 00:00 0    [stack]\n")
	require.NoError(t, err)
	_, err = findExecRegion(regions, 16)
	require.Error(t, err)
}

func TestHasModule(t *testing.T) {
	regions, err := parseMaps(sampleMaps)
	require.NoError(t, err)
	assert.True(t, hasModule(regions, "libc.so.6"))
	assert.False(t, hasModule(regions, "libprobing.so"))
}

func TestIsLibcSpellings(t *testing.T) {
	assert.True(t, isLibc("libc.so.6"))
	assert.True(t, isLibc("libc-2.31.so"))
	assert.True(t, isLibc("libc.musl-x86_64.so.1"))
	assert.False(t, isLibc("libcrypto.so.3"))
	assert.True(t, isLibdl("libdl.so.2"))
	assert.False(t, isLibdl("libc.so.6"))
}
