package exeunit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_DeployStartRunTerminateLifecycle(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	id, err := f.Deploy(ctx, "pkg://example/wasm-runtime:latest")
	require.NoError(t, err)

	_, err = f.Run(ctx, id, "echo", []string{"hi"})
	assert.Error(t, err, "run before start must fail")

	require.NoError(t, f.Start(ctx, id))
	res, err := f.Run(ctx, id, "echo", []string{"hi"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	require.NoError(t, f.Terminate(ctx, id))
	_, err = f.Run(ctx, id, "echo", []string{"hi"})
	assert.Error(t, err, "run after terminate must fail")
}

func TestFake_StartUnknownDeploymentFails(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	err := f.Start(ctx, DeploymentID("does-not-exist"))
	assert.Error(t, err)
}
