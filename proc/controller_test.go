package proc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/packhouse/stockline/proc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_Records(t *testing.T) {
	f := &proc.Fake{}
	ctx := context.Background()

	require.NoError(t, f.Pause(ctx, []string{"uploader", "importer"}))
	require.NoError(t, f.Resume(ctx))
	require.NoError(t, f.Resume(ctx))

	assert.Equal(t, [][]string{{"uploader", "importer"}}, f.PauseCalls)
	assert.Equal(t, 2, f.ResumeCalls)
}

func TestFake_PropagatesErrors(t *testing.T) {
	f := &proc.Fake{
		PauseErr:  errors.New("pause boom"),
		ResumeErr: errors.New("resume boom"),
	}
	ctx := context.Background()

	assert.Error(t, f.Pause(ctx, nil))
	assert.Error(t, f.Resume(ctx))
}

func TestOSController_PauseNothing(t *testing.T) {
	// No names means nothing to quiesce; must return immediately without
	// shelling out.
	c := &proc.OSController{Log: zerolog.Nop(), GracePeriod: time.Millisecond}
	assert.NoError(t, c.Pause(context.Background(), nil))
}

func TestOSController_PauseUnmatchedWorkflow(t *testing.T) {
	// A workflow name that matches no running process is already quiet.
	c := &proc.OSController{Log: zerolog.Nop(), GracePeriod: 10 * time.Millisecond}
	err := c.Pause(context.Background(), []string{"stockline-no-such-workflow-xyzzy"})
	assert.NoError(t, err)
}

func TestOSController_ResumeRequiresSupervisor(t *testing.T) {
	c := &proc.OSController{Log: zerolog.Nop()}
	err := c.Resume(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no supervisor command")
}
