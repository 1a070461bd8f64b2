package traces

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antifraudhub/antifraudhub/internal/logging"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "realtime", logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_WithAttributes(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "pipeline.single", UserEmail("a@x.io"), Rows(1))
	defer span.End()
	assert.NotNil(t, ctx)
	Fail(span, errors.New("boom"))
	Fail(span, nil)
}

func TestAttributeHelpers(t *testing.T) {
	assert.Equal(t, "worker.mode", string(WorkerMode("batch").Key))
	assert.Equal(t, "BLOCK", Decision("BLOCK").Value.AsString())
	assert.InDelta(t, 0.42, RiskScore(0.42).Value.AsFloat64(), 1e-12)
	assert.Equal(t, "clickhouse", Upstream("clickhouse").Value.AsString())
}
