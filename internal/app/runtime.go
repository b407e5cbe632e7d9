package app

import (
	"os"
	"strconv"
	"sync/atomic"
)

const testModeEnv = "LABKEEPER_TEST_MODE"

// testMode caches the parsed flag: 0 unread, 1 off, 2 on.
var testMode atomic.Int32

// InTestMode reports whether the binaries should skip runtime side effects
// such as reading .env files. Test mode also lowers bcrypt cost for seeded
// users.
func InTestMode() bool {
	switch testMode.Load() {
	case 0:
		return RefreshTestMode()
	case 2:
		return true
	}
	return false
}

// RefreshTestMode re-reads LABKEEPER_TEST_MODE after environment changes.
// Any value strconv.ParseBool accepts as true enables it.
func RefreshTestMode() bool {
	on, _ := strconv.ParseBool(os.Getenv(testModeEnv))
	if on {
		testMode.Store(2)
	} else {
		testMode.Store(1)
	}
	return on
}
