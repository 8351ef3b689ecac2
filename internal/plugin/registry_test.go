package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcpd/internal/vcperr"
)

func descriptorFixture(id string, kind Kind) Descriptor {
	return Descriptor{
		ID:   id,
		Name: id + "-plugin",
		Kind: kind,
		Commands: []Command{{
			Command:     "run",
			Description: "does the thing",
			Example:     "tool_name: " + id,
		}},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(descriptorFixture("Sum", KindSubprocess)))

	d, ok := r.Get("Sum")
	require.True(t, ok)
	assert.Equal(t, KindSubprocess, d.Kind)
}

func TestRegisterRejectsIncomplete(t *testing.T) {
	r := NewRegistry(nil, nil)
	err := r.Register(Descriptor{ID: "x"})
	require.Error(t, err)
	assert.True(t, vcperr.IsKind(err, vcperr.KindPluginInit))
}

func TestRegisterOverwritesLocalKinds(t *testing.T) {
	r := NewRegistry(nil, nil)
	first := descriptorFixture("Sum", KindSubprocess)
	first.Version = "1"
	second := descriptorFixture("Sum", KindSubprocess)
	second.Version = "2"

	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))

	d, _ := r.Get("Sum")
	assert.Equal(t, "2", d.Version)
}

func TestRegisterRefusesDistributedCollision(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(descriptorFixture("Sum", KindSubprocess)))

	dist := descriptorFixture("Sum", KindDistributed)
	dist.SessionID = "sess-1"
	err := r.Register(dist)
	require.Error(t, err)

	d, _ := r.Get("Sum")
	assert.Equal(t, KindSubprocess, d.Kind)
}

func TestUnloadMissingPlugin(t *testing.T) {
	r := NewRegistry(nil, nil)
	err := r.Unload("nope")
	require.Error(t, err)
	assert.True(t, vcperr.IsKind(err, vcperr.KindPluginNotFound))
}

func TestCatalogFollowsRegistry(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(descriptorFixture("Sum", KindSubprocess)))

	catalog := r.ToolCatalog()
	require.Contains(t, catalog, "VCPSum")
	assert.Contains(t, catalog["VCPSum"], "Sum-plugin (Sum) - command: run:")
	assert.Contains(t, catalog["VCPSum"], "    does the thing")
	assert.Contains(t, catalog["VCPSum"], "  call example:\n    tool_name: Sum")

	require.NoError(t, r.Unload("Sum"))
	assert.Empty(t, r.ToolCatalog())
}

func TestCatalogSkipsUndescribedCommands(t *testing.T) {
	r := NewRegistry(nil, nil)
	d := descriptorFixture("Quiet", KindSubprocess)
	d.Commands = []Command{{Command: "run"}}
	require.NoError(t, r.Register(d))

	assert.NotContains(t, r.ToolCatalog(), "VCPQuiet")
}

func TestBulkRegisterAndUnregister(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(descriptorFixture("Local", KindSubprocess)))

	count := r.BulkRegister("sess-1", []Descriptor{
		{Name: "RemoteA"},
		{ID: "RemoteB", Name: "RemoteB"},
		{Name: ""},      // no name, skipped
		{Name: "Local"}, // collides with local plugin, skipped
	})
	assert.Equal(t, 2, count)

	d, ok := r.Get("RemoteA")
	require.True(t, ok)
	assert.Equal(t, KindDistributed, d.Kind)
	assert.Equal(t, "sess-1", d.SessionID)

	dropped := r.BulkUnregister("sess-1")
	assert.Equal(t, 2, dropped)
	_, ok = r.Get("RemoteA")
	assert.False(t, ok)
	_, ok = r.Get("Local")
	assert.True(t, ok)
}

func TestStaticValuesMerged(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(Descriptor{
		ID: "s1", Name: "s1", Kind: KindStatic,
		StaticValues: map[string]string{"A": "1"},
	}))
	require.NoError(t, r.Register(Descriptor{
		ID: "s2", Name: "s2", Kind: KindStatic,
		StaticValues: map[string]string{"B": "2"},
	}))

	values := r.StaticValues()
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, values)
}

func TestServiceHandle(t *testing.T) {
	r := NewRegistry(nil, nil)
	handle := struct{ name string }{"svc"}
	require.NoError(t, r.Register(Descriptor{
		ID: "svc", Name: "svc", Kind: KindService, Service: handle,
	}))

	got, err := r.Service("svc")
	require.NoError(t, err)
	assert.Equal(t, handle, got)

	_, err = r.Service("other")
	assert.Error(t, err)
}
