package features_test

import (
	"testing"

	"github.com/dukex/conveyor/pkg/features"
	"github.com/stretchr/testify/assert"
)

func TestFlags_IsEnabled(t *testing.T) {
	t.Parallel()

	flags := features.Parse(" CV_SUPPRESS_ANOMALIES:acc-1 , NEW_UI,,")

	assert.True(t, flags.IsEnabled(features.SuppressAnomalies, "acc-1"))
	assert.False(t, flags.IsEnabled(features.SuppressAnomalies, "acc-2"))
	assert.True(t, flags.IsEnabled("NEW_UI", "anyone"))
	assert.False(t, flags.IsEnabled("UNKNOWN", "acc-1"))
}

func TestFlags_Empty(t *testing.T) {
	t.Parallel()

	assert.False(t, features.Parse("").IsEnabled(features.SuppressAnomalies, "acc-1"))
}
