package sys

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCreateShutdownChannel(t *testing.T) {
	done := CreateShutdownChannel()
	assert.NotNil(t, done)

	p, err := os.FindProcess(os.Getpid())
	assert.NoError(t, err)
	assert.NoError(t, p.Signal(syscall.SIGTERM))

	select {
	case sig := <-done:
		assert.Equal(t, syscall.SIGTERM, sig)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for signal")
	}
}
