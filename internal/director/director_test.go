package director

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDependenciesSatisfiedNoDependencies(t *testing.T) {
	assert.True(t, dependenciesSatisfied(nil, map[string]bool{}))
}

func TestDependenciesSatisfiedAllMerged(t *testing.T) {
	merged := map[string]bool{"base-a": true, "base-b": true}
	assert.True(t, dependenciesSatisfied([]string{"base-a", "base-b"}, merged))
}

func TestDependenciesSatisfiedMissingOneDependency(t *testing.T) {
	merged := map[string]bool{"base-a": true}
	assert.False(t, dependenciesSatisfied([]string{"base-a", "base-b"}, merged))
}

func TestDependenciesSatisfiedNoneMerged(t *testing.T) {
	assert.False(t, dependenciesSatisfied([]string{"base-a"}, map[string]bool{}))
}
