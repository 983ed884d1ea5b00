package delegation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/nexusgate/resource-gateway/pkg/errors"
)

type stubModule struct{ name string }

func (s *stubModule) Name() string { return s.name }
func (s *stubModule) Authorize(_ context.Context, _ *Request) (*Result, error) {
	return &Result{Principal: "stub-principal"}, nil
}
func (s *stubModule) Close() error { return nil }

func TestRegisterAndBuild(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", func(raw json.RawMessage) (Module, error) {
		return &stubModule{name: "stub"}, nil
	})

	mod, err := r.Build("stub", nil)
	require.NoError(t, err)
	assert.Equal(t, "stub", mod.Name())

	res, err := mod.Authorize(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "stub-principal", res.Principal)
}

func TestBuildUnknownModuleFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build("nope", nil)
	require.Error(t, err)
	assert.Equal(t, gwerrors.KindUnknownModule, gwerrors.KindOf(err))
}

func TestNamesReflectsRegistrations(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func(json.RawMessage) (Module, error) { return &stubModule{name: "a"}, nil })
	r.Register("b", func(json.RawMessage) (Module, error) { return &stubModule{name: "b"}, nil })

	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
}
