package broadcast

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEffectiveMergeBySpecificity(t *testing.T) {
	s := NewStore()
	s.Add(&Entry{CyclePointGlob: "*", NamespaceGlob: "*", Override: map[string]interface{}{
		"environment": map[string]interface{}{"A": "workflow"},
	}})
	s.Add(&Entry{CyclePointGlob: "1", NamespaceGlob: "*", Override: map[string]interface{}{
		"environment": map[string]interface{}{"A": "cycle"},
	}})
	s.Add(&Entry{CyclePointGlob: "*", NamespaceGlob: "foo", Override: map[string]interface{}{
		"environment": map[string]interface{}{"A": "task"},
	}})

	base := map[string]interface{}{"environment": map[string]interface{}{"A": "base"}}
	merged, changelog, err := s.Effective(base, "1", "foo")
	require.NoError(t, err)
	env := merged["environment"].(map[string]interface{})
	require.Equal(t, "task", env["A"])
	require.NotEmpty(t, changelog)
}

func TestExpireForTask(t *testing.T) {
	s := NewStore()
	s.Add(&Entry{CyclePointGlob: "1", NamespaceGlob: "foo", Lifespan: LifespanUntilTaskCompleted,
		Override: map[string]interface{}{"k": "v"}})
	s.ExpireForTask("1", "foo")
	merged, _, err := s.Effective(map[string]interface{}{}, "1", "foo")
	require.NoError(t, err)
	require.NotContains(t, merged, "k")
}
