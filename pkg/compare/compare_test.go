package compare

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareEqualIgnoresKeyOrder(t *testing.T) {
	expected := map[string]interface{}{"a": 1.0, "b": 2.0}
	observed := map[string]interface{}{"b": 2.0, "a": 1.0}

	result := Compare(expected, observed, nil)
	assert.True(t, result.Equal)
	assert.Empty(t, result.Diff)
}

func TestCompareMasksIgnoredPropertiesOnObservedOnly(t *testing.T) {
	expected := map[string]interface{}{"name": "arthur"}
	observed := map[string]interface{}{"name": "arthur", "created_at": "2026-07-31T00:00:00Z"}

	result := Compare(expected, observed, []string{"created_at"})
	assert.True(t, result.Equal)
}

func TestCompareDetectsMismatchAndRendersDiff(t *testing.T) {
	expected := map[string]interface{}{"name": "arthur"}
	observed := map[string]interface{}{"name": "merlin"}

	result := Compare(expected, observed, nil)
	assert.False(t, result.Equal)
	assert.Contains(t, result.Diff, "Valid response")
	assert.Contains(t, result.Diff, "Your response")
}

func TestCompareNestedValues(t *testing.T) {
	expected := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"id": 1.0},
		},
	}
	observed := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"id": 1.0},
		},
	}

	result := Compare(expected, observed, nil)
	assert.True(t, result.Equal)
}

func TestCompareIgnoredPropertiesOnlyMaskTopLevel(t *testing.T) {
	expected := map[string]interface{}{
		"name":   "a",
		"nested": map[string]interface{}{"timestamp": 1.0},
	}
	observed := map[string]interface{}{
		"name":   "a",
		"nested": map[string]interface{}{"timestamp": 2.0},
	}

	result := Compare(expected, observed, []string{"timestamp"})
	assert.False(t, result.Equal)
}
