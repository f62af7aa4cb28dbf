package origin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewBackend_EmptyBucket(t *testing.T) {
	ctx := context.Background()
	backend, err := NewBackend(ctx, "", &Config{Region: "us-east-1"})
	assert.Error(t, err)
	assert.Nil(t, backend)
	assert.Contains(t, err.Error(), "bucket name cannot be empty")
}

func TestBackendMetrics_InitialState(t *testing.T) {
	metrics := BackendMetrics{}
	assert.Equal(t, int64(0), metrics.Requests)
	assert.Equal(t, int64(0), metrics.Errors)
	assert.Equal(t, int64(0), metrics.BytesDownloaded)
	assert.True(t, metrics.LastErrorTime.IsZero())
}

func TestBackend_recordMetrics(t *testing.T) {
	backend := &Backend{}

	backend.recordMetrics(100 * time.Millisecond)
	assert.Equal(t, int64(1), backend.metrics.Requests)
	assert.Equal(t, 100*time.Millisecond, backend.metrics.AverageLatency)

	backend.recordMetrics(200 * time.Millisecond)
	assert.Equal(t, int64(2), backend.metrics.Requests)

	expectedAvg := time.Duration((int64(100*time.Millisecond)*9 + int64(200*time.Millisecond)) / 10)
	assert.Equal(t, expectedAvg, backend.metrics.AverageLatency)
}

func TestBackend_recordError(t *testing.T) {
	backend := &Backend{}
	err := assert.AnError

	backend.recordError(err)

	assert.Equal(t, int64(1), backend.metrics.Errors)
	assert.Equal(t, err.Error(), backend.metrics.LastError)
	assert.False(t, backend.metrics.LastErrorTime.IsZero())
}

func TestBackend_Metrics(t *testing.T) {
	backend := &Backend{}

	backend.recordMetrics(100 * time.Millisecond)
	backend.recordError(assert.AnError)

	metrics := backend.Metrics()
	assert.Equal(t, int64(1), metrics.Requests)
	assert.Equal(t, assert.AnError.Error(), metrics.LastError)
}
