package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varenq/legion/errors"
)

func TestDefaultRegistryCoversAllActions(t *testing.T) {
	r := DefaultRegistry()

	for _, action := range []ActionType{
		ActionAttack, ActionSabotage, ActionSpy, ActionRecruit,
		ActionSendCredits, ActionDelay, ActionCollectAsyncTasks,
	} {
		assert.True(t, r.Has(action), "registry should know %s", action)
		assert.NoError(t, r.Validate(string(action)))
	}

	names := r.Names()
	assert.Len(t, names, 7)
	assert.IsIncreasing(t, names, "Names must come back sorted")
}

func TestRegistryValidateUnknownAction(t *testing.T) {
	r := DefaultRegistry()

	err := r.Validate("summon_dragon")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownAction))

	err = r.Validate("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownAction))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	r.Register(ActionSpec{Type: ActionAttack})

	assert.Panics(t, func() {
		r.Register(ActionSpec{Type: ActionAttack})
	}, "a second registration for the same action is a programming error")

	assert.Panics(t, func() {
		r.Register(ActionSpec{})
	}, "registering an empty action type is a programming error")
}

func TestControlFlowClassification(t *testing.T) {
	r := DefaultRegistry()

	for action, wantControlFlow := range map[ActionType]bool{
		ActionDelay:             true,
		ActionCollectAsyncTasks: true,
		ActionAttack:            false,
		ActionRecruit:           false,
	} {
		spec, ok := r.Get(action)
		require.True(t, ok)
		assert.Equal(t, wantControlFlow, spec.ControlFlow, "%s", action)
	}

	for action, wantTargeted := range map[ActionType]bool{
		ActionAttack:      true,
		ActionSabotage:    true,
		ActionSpy:         true,
		ActionSendCredits: true,
		ActionRecruit:     false,
		ActionDelay:       false,
	} {
		spec, ok := r.Get(action)
		require.True(t, ok)
		assert.Equal(t, wantTargeted, spec.TargetDirected, "%s", action)
	}
}
