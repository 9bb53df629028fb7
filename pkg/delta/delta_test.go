package delta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffLiteralScenario(t *testing.T) {
	desired := map[string]interface{}{"mode": "auto", "level": 5}
	reported := map[string]interface{}{"mode": "manual", "level": 5, "fw": "1.2"}

	d := Diff(desired, reported)

	assert.Empty(t, d.Added)
	assert.Equal(t, map[string]interface{}{"fw": "1.2"}, d.Removed)
	require.Len(t, d.Changed, 1)
	assert.Equal(t, Change{OldValue: "manual", NewValue: "auto"}, d.Changed["mode"])
	assert.Equal(t, 1, d.UnchangedCount)
}

func TestDiffIdentical(t *testing.T) {
	m := map[string]interface{}{"a": 1, "b": "x", "c": []interface{}{1.0, 2.0}}

	d := Diff(m, m)

	assert.True(t, d.Empty())
	assert.Equal(t, len(m), d.UnchangedCount)
}

func TestDiffBothEmpty(t *testing.T) {
	d := Diff(nil, nil)
	assert.True(t, d.Empty())
	assert.Equal(t, 0, d.UnchangedCount)
}

func TestDiffPartition(t *testing.T) {
	// Every union key lands in exactly one bucket.
	desired := map[string]interface{}{
		"only-desired": true,
		"same":         "v",
		"diff":         1,
	}
	reported := map[string]interface{}{
		"only-reported": "r",
		"same":          "v",
		"diff":          2,
	}

	d := Diff(desired, reported)

	assert.Equal(t, map[string]interface{}{"only-desired": true}, d.Added)
	assert.Equal(t, map[string]interface{}{"only-reported": "r"}, d.Removed)
	require.Contains(t, d.Changed, "diff")
	total := len(d.Added) + len(d.Removed) + len(d.Changed) + d.UnchangedCount
	assert.Equal(t, 4, total)
}

func TestDiffNilValueTreatedAsAbsent(t *testing.T) {
	desired := map[string]interface{}{"a": nil, "b": 1}
	reported := map[string]interface{}{"a": "set", "b": nil}

	d := Diff(desired, reported)

	// "a" is absent on the desired side, present on the reported side.
	assert.Equal(t, map[string]interface{}{"a": "set"}, d.Removed)
	// "b" is present on the desired side only.
	assert.Equal(t, map[string]interface{}{"b": 1}, d.Added)
	assert.Empty(t, d.Changed)
}

func TestDiffNestedValuesCompareStructurally(t *testing.T) {
	desired := map[string]interface{}{
		"net": map[string]interface{}{"ssid": "plant-a", "channel": 6.0},
	}
	reported := map[string]interface{}{
		"net": map[string]interface{}{"ssid": "plant-a", "channel": 6.0},
	}

	d := Diff(desired, reported)
	assert.True(t, d.Empty())
	assert.Equal(t, 1, d.UnchangedCount)

	reported["net"] = map[string]interface{}{"ssid": "plant-b", "channel": 6.0}
	d = Diff(desired, reported)
	require.Contains(t, d.Changed, "net")
}

func TestDiffNumericRepresentations(t *testing.T) {
	// An int authored in Go and a float64 decoded from JSON compare equal.
	desired := map[string]interface{}{"level": 5}
	reported := map[string]interface{}{"level": 5.0}

	d := Diff(desired, reported)
	assert.True(t, d.Empty())
	assert.Equal(t, 1, d.UnchangedCount)
}
