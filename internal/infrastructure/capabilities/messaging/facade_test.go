package messaging

import (
	"context"
	"testing"

	"github.com/reglet-dev/caphost/internal/application/services"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/internal/infrastructure/resource"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/hostfuncs"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/wasmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
)

const retptr = 512

type harness struct {
	t      *testing.T
	facade *Facade
	mod    api.Module
	ctx    context.Context
}

func newHarness(t *testing.T, names ...string) *harness {
	t.Helper()
	decls := make([]capabilities.Declaration, 0, len(names))
	for _, name := range names {
		decls = append(decls, capabilities.Declaration{Resource: "messaging.memory", Name: name})
	}
	store, err := services.NewCapabilityStore(decls, "", nil)
	require.NoError(t, err)
	resolver := services.NewResolver(store, capabilities.TypeMessaging, Factories())
	t.Cleanup(func() { _ = resolver.Close() })

	return &harness{
		t:      t,
		facade: NewFacade(resolver, hostfuncs.NewBoundary(nil)),
		mod:    wasmtest.Instantiate(t, wasmtest.New()),
		ctx:    context.Background(),
	}
}

func (h *harness) open(name string) uint32 {
	ptr, n := wasmtest.PutString(h.t, h.mod, 0, name)
	h.facade.open(h.ctx, h.mod, []uint64{ptr, n, retptr})
	res := wasmtest.ReadResult(h.mod, retptr)
	require.True(h.t, res.OK(), res.ErrMessage())
	return res.Handle()
}

func (h *harness) subscribe(broker uint32, topic string) uint32 {
	tp, tl := wasmtest.PutString(h.t, h.mod, 0, topic)
	h.facade.subscribe(h.ctx, h.mod, []uint64{uint64(broker), tp, tl, retptr})
	res := wasmtest.ReadResult(h.mod, retptr)
	require.True(h.t, res.OK(), res.ErrMessage())
	return res.Handle()
}

func (h *harness) publish(broker uint32, topic, msg string) {
	tp, tl := wasmtest.PutString(h.t, h.mod, 0, topic)
	mp, ml := wasmtest.PutString(h.t, h.mod, 256, msg)
	h.facade.publish(h.ctx, h.mod, []uint64{uint64(broker), tp, tl, mp, ml, retptr})
	res := wasmtest.ReadResult(h.mod, retptr)
	require.True(h.t, res.OK(), res.ErrMessage())
}

func (h *harness) receive(sub uint32, timeoutMs uint64) ([]byte, bool) {
	h.facade.receive(h.ctx, h.mod, []uint64{uint64(sub), timeoutMs, retptr})
	res := wasmtest.ReadResult(h.mod, retptr)
	require.True(h.t, res.OK(), res.ErrMessage())
	return res.Option()
}

func TestFacade_PublishReceive(t *testing.T) {
	h := newHarness(t, "bus")
	broker := h.open("bus")
	sub := h.subscribe(broker, "orders")

	_, ok := h.receive(sub, 0)
	assert.False(t, ok, "empty subscription returns none")

	h.publish(broker, "orders", "o-1")

	msg, ok := h.receive(sub, 1000)
	require.True(t, ok)
	assert.Equal(t, "o-1", string(msg))
}

func TestFacade_SharedBrokerAcrossOpens(t *testing.T) {
	h := newHarness(t, "bus")
	publisher := h.open("bus")
	subscriber := h.open("bus")
	sub := h.subscribe(subscriber, "t")

	h.publish(publisher, "t", "hi")

	msg, ok := h.receive(sub, 1000)
	require.True(t, ok)
	assert.Equal(t, "hi", string(msg))
}

func TestFacade_UndeclaredBrokerTraps(t *testing.T) {
	h := newHarness(t, "bus")
	ptr, n := wasmtest.PutString(t, h.mod, 0, "other")
	wasmtest.AssertConfigurationTrap(t, func() {
		h.facade.open(h.ctx, h.mod, []uint64{ptr, n, retptr})
	})
}

func TestFacade_DroppedSubscriptionFaults(t *testing.T) {
	h := newHarness(t, "bus")
	broker := h.open("bus")
	sub := h.subscribe(broker, "t")

	h.facade.dropSubscription(h.ctx, h.mod, []uint64{uint64(sub)})

	wasmtest.AssertFault(t, func() { h.receive(sub, 0) })
	wasmtest.AssertFault(t, func() {
		h.facade.dropSubscription(h.ctx, h.mod, []uint64{uint64(sub)})
	})
}

func TestFacade_ScopeClosesSubscriptions(t *testing.T) {
	h := newHarness(t, "bus")
	scope := resource.NewScope()
	h.ctx = resource.WithScope(context.Background(), scope)

	broker := h.open("bus")
	h.subscribe(broker, "t")
	assert.Equal(t, 2, scope.Len())

	inst := h.facade.brokers.Get(resource.Handle(broker))
	scope.Close()

	assert.Empty(t, inst.Backend.(*MemoryBroker).topics)
	assert.Equal(t, 0, h.facade.resolver.Refs("bus"))
}
