package plugins

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingPlugin struct {
	name     string
	initErr  error
	vetoAll  bool
	panicky  bool
	mu       sync.Mutex
	received []string
	shutdown bool
}

func (p *recordingPlugin) Name() string      { return p.name }
func (p *recordingPlugin) Initialize() error { return p.initErr }

func (p *recordingPlugin) OnResponse(path string, _ []byte) {
	if p.panicky {
		panic("plugin exploded")
	}
	p.mu.Lock()
	p.received = append(p.received, path)
	p.mu.Unlock()
}

func (p *recordingPlugin) ShouldCache(string, []byte) bool { return !p.vetoAll }

func (p *recordingPlugin) Shutdown(context.Context) error {
	p.shutdown = true
	return nil
}

func (p *recordingPlugin) got() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.received...)
}

func TestRegistryFansOutNotifications(t *testing.T) {
	a := &recordingPlugin{name: "a"}
	b := &recordingPlugin{name: "b"}
	registry := NewRegistry(nil, a, b)
	registry.Initialize()

	registry.NotifyResponse("/data", []byte(`{}`))

	require.Equal(t, []string{"/data"}, a.got())
	require.Equal(t, []string{"/data"}, b.got())
}

func TestRegistryDisablesFailingPlugin(t *testing.T) {
	broken := &recordingPlugin{name: "broken", initErr: errors.New("no dice")}
	healthy := &recordingPlugin{name: "healthy"}
	registry := NewRegistry(nil, broken, healthy)
	registry.Initialize()

	registry.NotifyResponse("/data", nil)

	require.Empty(t, broken.got())
	require.Equal(t, []string{"/data"}, healthy.got())
}

func TestRegistrySwallowsPanics(t *testing.T) {
	panicky := &recordingPlugin{name: "panicky", panicky: true}
	after := &recordingPlugin{name: "after"}
	registry := NewRegistry(nil, panicky, after)
	registry.Initialize()

	require.NotPanics(t, func() {
		registry.NotifyResponse("/data", nil)
	})
	require.Equal(t, []string{"/data"}, after.got(), "a panicking plugin must not block the others")
}

func TestRegistryShouldCacheVeto(t *testing.T) {
	pass := &recordingPlugin{name: "pass"}
	veto := &recordingPlugin{name: "veto", vetoAll: true}

	require.True(t, NewRegistry(nil, pass).ShouldCache("/d", nil))
	require.False(t, NewRegistry(nil, pass, veto).ShouldCache("/d", nil))
}

func TestRegistryShutdown(t *testing.T) {
	a := &recordingPlugin{name: "a"}
	b := &recordingPlugin{name: "b"}
	registry := NewRegistry(nil, a, b)
	registry.Initialize()

	require.NoError(t, registry.Shutdown(context.Background()))
	require.True(t, a.shutdown)
	require.True(t, b.shutdown)
}
