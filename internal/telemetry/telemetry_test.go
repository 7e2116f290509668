package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	require.NoError(t, Init("supportdesk-test", ExporterNone, nil))
	require.NoError(t, Shutdown(context.Background()))

	assert.Error(t, Init("supportdesk-test", "jaeger", nil))

	require.NoError(t, Init("supportdesk-test", ExporterStdout, nil))
	_, span := Start(context.Background(), "test.span")
	span.End()
	require.NoError(t, Shutdown(context.Background()))
}
