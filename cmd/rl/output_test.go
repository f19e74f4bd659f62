package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidline/internal/domain"
)

func TestRecordRowsUsesJSONFieldsInOrder(t *testing.T) {
	assignee := "ed"
	rows, err := recordRows(domain.Task{
		ID:        "T1",
		Title:     "wire the gate",
		Status:    "assigned",
		Assignee:  &assignee,
		DependsOn: []string{"T0", "T2"},
	})
	require.NoError(t, err)

	byField := map[string]any{}
	var order []string
	for _, r := range rows {
		order = append(order, r[0].(string))
		byField[r[0].(string)] = r[1]
	}
	assert.IsIncreasing(t, order)
	assert.Equal(t, "T1", byField["id"])
	assert.Equal(t, "ed", byField["assignee"])
	assert.Equal(t, "T0, T2", byField["depends_on"])
	assert.NotContains(t, byField, "result_path", "nil pointers are omitted")
}

func TestRecordRowsRejectsNonObjects(t *testing.T) {
	_, err := recordRows([]string{"a"})
	require.Error(t, err)
	_, err = recordRows(func() {})
	require.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "", formatValue(nil))
	assert.Equal(t, "3", formatValue(float64(3)))
	assert.Equal(t, "true", formatValue(true))
	assert.Equal(t, `{"a":1}`, formatValue(map[string]any{"a": 1}))
	assert.Equal(t, "x, 2", formatValue([]any{"x", float64(2)}))
}
