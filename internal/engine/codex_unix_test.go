//go:build unix

package engine

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodex_KillEscalationStopsProcessIgnoringTerm(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	c := helperCodex("ignore-term", time.Second)
	c.env = append(c.env, "LOOPSMITH_HELPER_PID_FILE="+pidFile)

	_, err := c.Run(context.Background(), Invocation{Timeout: time.Second})
	kind, ok := KindOf(err)
	require.True(t, ok, "got %v", err)
	require.Equal(t, KindTimeout, kind)

	b, err := os.ReadFile(pidFile)
	require.NoError(t, err, "helper should have started before the timeout")
	pid, err := strconv.Atoi(string(b))
	require.NoError(t, err)

	assert.NoError(t, syscall.Kill(pid, 0), "SIGTERM is ignored, so the process outlives the timeout")
	assert.Eventually(t, func() bool {
		return syscall.Kill(pid, 0) != nil
	}, 5*time.Second, 50*time.Millisecond, "SIGKILL after the grace window must stop the process")
}
