package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/apitester/pkg/types"
)

func TestBuildOrdersByDependency(t *testing.T) {
	scenarios := []types.Scenario{
		{ID: "s3", DependsOn: []string{"s1", "s2"}},
		{ID: "s1"},
		{ID: "s2", DependsOn: []string{"s1"}},
	}

	g, err := Build(scenarios)
	require.NoError(t, err)

	order := g.Order()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}

	assert.Less(t, pos["s1"], pos["s2"])
	assert.Less(t, pos["s1"], pos["s3"])
	assert.Less(t, pos["s2"], pos["s3"])
}

func TestBuildDetectsCycle(t *testing.T) {
	scenarios := []types.Scenario{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}

	_, err := Build(scenarios)
	assert.Error(t, err)
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	scenarios := []types.Scenario{
		{ID: "a", DependsOn: []string{"missing"}},
	}

	_, err := Build(scenarios)
	assert.Error(t, err)
}

func TestBuildRejectsDuplicateID(t *testing.T) {
	scenarios := []types.Scenario{
		{ID: "a"},
		{ID: "a"},
	}

	_, err := Build(scenarios)
	assert.Error(t, err)
}

func TestDependsOnTreatedAsSet(t *testing.T) {
	scenarios := []types.Scenario{
		{ID: "s1"},
		{ID: "s2", DependsOn: []string{"s1", "s1"}},
	}

	g, err := Build(scenarios)
	require.NoError(t, err)
	assert.Len(t, g.DependsOn("s2"), 1)
}
