//go:build linux

package mapping

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ummapio/driver"
)

// perms returns the /proc/self/maps permission field of the area holding addr.
func perms(t *testing.T, addr uintptr) string {
	t.Helper()
	f, err := os.Open("/proc/self/maps")
	require.NoError(t, err)
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		start, err1 := strconv.ParseUint(lo, 16, 64)
		end, err2 := strconv.ParseUint(hi, 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if uint64(addr) >= start && uint64(addr) < end {
			return fields[1]
		}
	}
	require.NoError(t, sc.Err())
	t.Fatalf("no area holds %#x", addr)
	return ""
}

func TestProtExec_GrantedOnLoad(t *testing.T) {
	m := newMapping(t, Config{Size: 2 * page, Driver: driver.NewDummy(0xc3), Protection: ProtRead | ProtExec})

	assert.Equal(t, "---p", perms(t, m.Addr()))
	assert.Equal(t, byte(0xc3), load(t, m, 0, 1)[0])
	assert.Equal(t, "r-xp", perms(t, m.Addr()))
	assert.Equal(t, "---p", perms(t, m.Addr()+uintptr(page)))
	assert.ErrorIs(t, m.OnFault(m.Addr(), true), ErrAccessViolation)
}

func TestProtExec_WritableKeepsExec(t *testing.T) {
	m := newMapping(t, Config{Size: 2 * page, Driver: driver.NewMemory(int(2 * page)), Protection: ProtReadWrite | ProtExec})

	load(t, m, 0, 1)
	assert.Equal(t, "r-xp", perms(t, m.Addr()))
	store(t, m, 0, []byte{0x90})
	assert.Equal(t, "rwxp", perms(t, m.Addr()))

	require.NoError(t, m.Evict(nil, 0))
	assert.Equal(t, "---p", perms(t, m.Addr()))
}
