package messaging

import (
	"context"
	"time"

	"github.com/reglet-dev/caphost/internal/application/services"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/internal/infrastructure/resource"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/abi"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/hostfuncs"
	"github.com/tetratelabs/wazero/api"
)

// Instance is an opened broker as seen through a guest handle.
type Instance = services.Instance[Broker]

// Facade exposes brokers to guests as the "messaging" host module.
type Facade struct {
	resolver      *services.Resolver[Broker]
	brokers       *resource.Table[*Instance]
	subscriptions *resource.Table[Subscription]
	boundary      *hostfuncs.Boundary
}

// NewFacade creates the messaging facade.
func NewFacade(resolver *services.Resolver[Broker], boundary *hostfuncs.Boundary) *Facade {
	return &Facade{
		resolver:      resolver,
		brokers:       resource.NewTable[*Instance]("messaging"),
		subscriptions: resource.NewTable[Subscription]("messaging-subscription"),
		boundary:      boundary,
	}
}

// ModuleName implements hostfuncs.Module.
func (f *Facade) ModuleName() string { return string(capabilities.TypeMessaging) }

// Functions implements hostfuncs.Module.
func (f *Facade) Functions() []hostfuncs.Func {
	return []hostfuncs.Func{
		{Name: "open", Params: hostfuncs.I32s(3), Handler: f.open},
		{Name: "publish", Params: hostfuncs.I32s(6), Handler: f.publish},
		{Name: "subscribe", Params: hostfuncs.I32s(4), Handler: f.subscribe},
		{Name: "receive", Params: hostfuncs.I32s(3), Handler: f.receive},
		{Name: "drop_subscription", Params: hostfuncs.I32s(1), Handler: f.dropSubscription},
		{Name: "drop", Params: hostfuncs.I32s(1), Handler: f.drop},
	}
}

func closeInstance(inst *Instance) { inst.Close() }

func closeSubscription(s Subscription) { _ = s.Close() }

// open(name_ptr, name_len, retptr) -> result<handle>
func (f *Facade) open(ctx context.Context, mod api.Module, stack []uint64) {
	name := abi.ReadString(mod, hostfuncs.Arg(stack, 0), hostfuncs.Arg(stack, 1))
	retptr := hostfuncs.Arg(stack, 2)

	inst, err := f.resolver.Open(ctx, name)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	h := resource.Insert(ctx, f.brokers, inst, closeInstance)
	abi.WriteHandle(mod, retptr, uint32(h))
}

// publish(handle, topic_ptr, topic_len, msg_ptr, msg_len, retptr) -> result<_>
func (f *Facade) publish(ctx context.Context, mod api.Module, stack []uint64) {
	broker := resource.Get(ctx, f.brokers, resource.Handle(hostfuncs.Arg(stack, 0))).Backend
	topic := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	msg := abi.Read(mod, hostfuncs.Arg(stack, 3), hostfuncs.Arg(stack, 4))
	retptr := hostfuncs.Arg(stack, 5)

	if err := broker.Publish(ctx, topic, msg); err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteUnit(mod, retptr)
}

// subscribe(handle, topic_ptr, topic_len, retptr) -> result<subscription>
func (f *Facade) subscribe(ctx context.Context, mod api.Module, stack []uint64) {
	broker := resource.Get(ctx, f.brokers, resource.Handle(hostfuncs.Arg(stack, 0))).Backend
	topic := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	sub, err := broker.Subscribe(ctx, topic)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	h := resource.Insert(ctx, f.subscriptions, sub, closeSubscription)
	abi.WriteHandle(mod, retptr, uint32(h))
}

// receive(subscription, timeout_ms, retptr) -> result<option<bytes>>
func (f *Facade) receive(ctx context.Context, mod api.Module, stack []uint64) {
	sub := resource.Get(ctx, f.subscriptions, resource.Handle(hostfuncs.Arg(stack, 0)))
	timeout := time.Duration(hostfuncs.Arg(stack, 1)) * time.Millisecond
	retptr := hostfuncs.Arg(stack, 2)

	msg, ok, err := sub.Receive(ctx, timeout)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteOption(ctx, mod, retptr, msg, ok)
}

// drop_subscription(subscription)
func (f *Facade) dropSubscription(ctx context.Context, _ api.Module, stack []uint64) {
	resource.Drop(ctx, f.subscriptions, resource.Handle(hostfuncs.Arg(stack, 0)), closeSubscription)
}

// drop(handle)
func (f *Facade) drop(ctx context.Context, _ api.Module, stack []uint64) {
	resource.Drop(ctx, f.brokers, resource.Handle(hostfuncs.Arg(stack, 0)), closeInstance)
}
