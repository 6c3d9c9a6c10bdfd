package tracing

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewManager_DisabledIsNoop(t *testing.T) {
	m, err := NewManager(Config{Enabled: false}, logrus.New())
	require.NoError(t, err)

	ctx, span := m.StartJob(context.Background(), "corr-1", "clean")
	require.NotNil(t, ctx)
	End(span)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_StartFileAndChunkSpans(t *testing.T) {
	m, err := NewManager(Config{Enabled: false}, logrus.New())
	require.NoError(t, err)

	ctx, span := m.StartFile(context.Background(), "/tmp/input.csv")
	_, chunkSpan := m.StartChunk(ctx, 100)
	End(chunkSpan)
	End(span)
}
