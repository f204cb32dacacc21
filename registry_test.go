package stepflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	fn := validFunction()
	require.NoError(t, reg.Register(fn))

	got, ok := reg.Lookup("send-welcome")
	require.True(t, ok)
	assert.Same(t, fn, got)

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(validFunction()))
	assert.Error(t, reg.Register(validFunction()))
}

func TestRegistryRejectsInvalidFunctions(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(&Function{Slug: "no-handler", Triggers: []Trigger{{Event: "a/b"}}}))
}

func TestRegistryInitializeWiresCronTriggers(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(validFunction()))
	require.NoError(t, reg.Register(&Function{
		Slug:     "cleanup",
		Triggers: []Trigger{{Cron: "@hourly"}},
		Handler:  noopHandler,
	}))

	var scheduled []string
	reg.SetCronRegister(func(fn *Function, trigger Trigger) error {
		scheduled = append(scheduled, fn.Slug+" "+trigger.Cron)
		return nil
	})

	require.NoError(t, reg.Initialize())
	assert.Equal(t, []string{"cleanup @hourly"}, scheduled)

	// post-initialization mutation is rejected
	assert.Error(t, reg.Register(&Function{
		Slug:     "late",
		Triggers: []Trigger{{Event: "too/late"}},
		Handler:  noopHandler,
	}))
	assert.Error(t, reg.Initialize())
}

func TestRegistryInitializeWithoutCronHook(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Function{
		Slug:     "cleanup",
		Triggers: []Trigger{{Cron: "@hourly"}},
		Handler:  noopHandler,
	}))
	assert.Error(t, reg.Initialize())

	reg = NewRegistry()
	require.NoError(t, reg.Register(&Function{
		Slug:     "cleanup",
		Triggers: []Trigger{{Cron: "@hourly"}},
		Handler:  noopHandler,
	}))
	reg.SetCronRegister(NilCronRegister)
	assert.NoError(t, reg.Initialize())
}

func TestRegistryCLIOptionsRequireInitialization(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(validFunction()))

	_, err := reg.GetCLIOptions()
	require.Error(t, err)

	require.NoError(t, reg.Initialize())
	opts, err := reg.GetCLIOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 1)
}

func TestRegistryForEventSortsBySlug(t *testing.T) {
	reg := NewRegistry()
	for _, slug := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Register(&Function{
			Slug:     slug,
			Triggers: []Trigger{{Event: "shared/event"}},
			Handler:  noopHandler,
		}))
	}

	matched := reg.ForEvent("shared/event")
	require.Len(t, matched, 3)
	assert.Equal(t, "alpha", matched[0].Slug)
	assert.Equal(t, "mid", matched[1].Slug)
	assert.Equal(t, "zeta", matched[2].Slug)

	assert.Empty(t, reg.ForEvent("no/match"))
}

func TestCLICommandNameNormalization(t *testing.T) {
	assert.Equal(t, "billing-charge-card", cliCommandName("billing/charge.card"))
	assert.Equal(t, "my-function", cliCommandName("  My_Function "))
}
