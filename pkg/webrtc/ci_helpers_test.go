package webrtc

import (
	"os"
	"runtime"
	"testing"
	"time"
)

// ciConfig holds CI-specific test adjustments.
type ciConfig struct {
	IsCI              bool
	TimeoutMultiplier float64
}

func getCIConfig() *ciConfig {
	config := &ciConfig{TimeoutMultiplier: 1.0}

	if os.Getenv("CI") == "true" ||
		os.Getenv("GITHUB_ACTIONS") == "true" ||
		os.Getenv("CONTINUOUS_INTEGRATION") == "true" {
		config.IsCI = true
		config.TimeoutMultiplier = 2.0

		if runtime.GOOS == "windows" {
			config.TimeoutMultiplier = 3.0
		}
		if runtime.NumCPU() <= 2 {
			config.TimeoutMultiplier *= 1.5
		}
	}
	return config
}

func (c *ciConfig) adjustTimeout(base time.Duration) time.Duration {
	return time.Duration(float64(base) * c.TimeoutMultiplier)
}

// skipNetworkTest skips tests that need a working ICE stack.
func skipNetworkTest(t *testing.T) *ciConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping WebRTC loopback test in short mode")
	}
	config := getCIConfig()
	if config.IsCI && os.Getenv("SKIP_NETWORK_TESTS") == "true" {
		t.Skip("Skipping network test in CI environment")
	}
	return config
}
