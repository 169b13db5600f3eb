package cleanup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsStaleDisabledWhenThresholdNotPositive(t *testing.T) {
	c := New(Config{StaleBranchDays: 0}, nil, nil, nil)
	assert.False(t, c.IsStale(time.Now().Add(-30*24*time.Hour)))
}

func TestIsStaleReportsOlderThanThreshold(t *testing.T) {
	c := New(Config{StaleBranchDays: 7}, nil, nil, nil)
	assert.True(t, c.IsStale(time.Now().Add(-8*24*time.Hour)))
	assert.False(t, c.IsStale(time.Now().Add(-1*time.Hour)))
}
