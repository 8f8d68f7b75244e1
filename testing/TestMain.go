package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("STOCKFLOW_TEST_MODE", "1")
		if os.Getenv("APP_DEFAULT_LOCATION") == "" {
			_ = os.Setenv("APP_DEFAULT_LOCATION", "DMG")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
