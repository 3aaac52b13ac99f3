package concurrency

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuard_RejectsConcurrentTaskForSameKey(t *testing.T) {
	g := NewGuard()
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- g.Execute("file", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.True(t, g.Busy("file"))
	assert.ErrorIs(t, g.Execute("file", func() error { return nil }), ErrBusy)
	assert.NoError(t, g.Execute("other", func() error { return nil }), "keys are independent")

	close(release)
	assert.NoError(t, <-done)
	assert.False(t, g.Busy("file"))
}

func TestGuard_ReleasesKeyOnError(t *testing.T) {
	g := NewGuard()
	boom := errors.New("boom")
	assert.ErrorIs(t, g.Execute("file", func() error { return boom }), boom)
	assert.NoError(t, g.Execute("file", func() error { return nil }))
}
