package resource

import (
	"github.com/rs/zerolog"

	"github.com/onem2m/cse/internal/m2m"
)

// Env is the environment a behaviour hook runs in. The dispatcher implements
// it. Hooks use it to read siblings and to persist bookkeeping side-effects
// (instance counters, monitor registration); they never talk to the store
// directly.
type Env interface {
	// RetrieveLocalResource loads a resource by ri or structured name.
	RetrieveLocalResource(id string) (*Resource, error)

	// DirectChildren returns the direct children of a resource, optionally
	// filtered by type (ty == 0 means all). Instance children are returned
	// ordered by creation time.
	DirectChildren(ri string, ty m2m.ResourceType) ([]*Resource, error)

	// DeleteLocalResource removes a resource and its subtree, running the
	// full hook lifecycle.
	DeleteLocalResource(r *Resource, originator string) error

	// CommitResource persists attribute changes a hook made to an already
	// committed resource, without re-running hooks.
	CommitResource(r *Resource) error

	// CSI returns the CSE-ID of the hosting CSE (with leading slash).
	CSI() string

	// Notifier exposes the subscription/notification manager.
	Notifier() Notifier

	Logger() zerolog.Logger
}

// Notifier is the slice of the notification manager the resource model
// needs. Defined here so behaviour hooks do not depend on the manager
// package.
type Notifier interface {
	// AddSubscription verifies a new <sub>'s notification targets and
	// stores its flattened record.
	AddSubscription(r *Resource, originator string) error

	// UpdateSubscription verifies targets newly appearing in nu and
	// refreshes the flattened record.
	UpdateSubscription(r *Resource, previousNus []string, originator string) error

	// RemoveSubscription flushes pending batches, emits deletion
	// notifications and drops the flattened record.
	RemoveSubscription(r *Resource) error

	// RefreshSubscription rebuilds the flattened record from the committed
	// <sub> resource without re-running the verification handshake.
	RefreshSubscription(r *Resource) error

	// AddCrossResourceSubscription verifies a new <crs>'s targets,
	// registers it with its constituent subscriptions and starts its
	// window worker.
	AddCrossResourceSubscription(r *Resource, originator string) error

	// UpdateCrossResourceSubscription verifies targets newly appearing in
	// nu and, for a periodic window, restarts the window worker.
	UpdateCrossResourceSubscription(r *Resource, previousNus []string, originator string) error

	// RemoveCrossResourceSubscription stops the window worker, deregisters
	// the <crs> from its constituent subscriptions and emits the deletion
	// notification.
	RemoveCrossResourceSubscription(r *Resource)

	// MonitorTimeSeries starts (or restarts) missing-data detection for a
	// <ts> resource.
	MonitorTimeSeries(r *Resource)

	// StopMonitorTimeSeries cancels missing-data detection for a <ts>.
	StopMonitorTimeSeries(ri string)

	// TimeSeriesInstanceAdded feeds an arriving <tsi> into missing-data
	// detection.
	TimeSeriesInstanceAdded(ts *Resource, tsi *Resource)
}

// Behavior is the per-type hook set the dispatcher invokes around an
// operation. Implementations embed Base and override what they need.
type Behavior interface {
	// Validate enforces the type's semantic constraints beyond the
	// attribute policy. It may read siblings through env but must not
	// mutate the store. payload is the request payload (nil on activation
	// of CSE-created resources).
	Validate(env Env, r *Resource, create bool, payload map[string]any) error

	// Activate runs after a CREATE committed.
	Activate(env Env, r *Resource, parent *Resource, originator string) error

	// WillBeDeactivated runs before a DELETE commits and may refuse it.
	WillBeDeactivated(env Env, r *Resource, originator string) error

	// Deactivate runs after a DELETE committed and must cancel whatever
	// Activate registered.
	Deactivate(env Env, r *Resource, originator string)

	// ChildWillBeAdded runs on the parent before a child CREATE commits.
	ChildWillBeAdded(env Env, parent, child *Resource, originator string) error

	// ChildAdded runs on the parent after a child CREATE committed.
	ChildAdded(env Env, parent, child *Resource, originator string)

	// ChildRemoved runs on the parent after a child DELETE committed.
	ChildRemoved(env Env, parent, child *Resource, originator string)

	// Update applies a validated payload to the resource.
	Update(env Env, r *Resource, payload map[string]any, originator string) error
}

// Base is the no-op behaviour. Update applies the payload; the dispatcher
// refreshes lt afterwards.
type Base struct{}

func (Base) Validate(Env, *Resource, bool, map[string]any) error { return nil }

func (Base) Activate(Env, *Resource, *Resource, string) error { return nil }

func (Base) WillBeDeactivated(Env, *Resource, string) error { return nil }

func (Base) Deactivate(Env, *Resource, string) {}

func (Base) ChildWillBeAdded(Env, *Resource, *Resource, string) error { return nil }

func (Base) ChildAdded(Env, *Resource, *Resource, string) {}

func (Base) ChildRemoved(Env, *Resource, *Resource, string) {}

func (Base) Update(env Env, r *Resource, payload map[string]any, originator string) error {
	ApplyUpdate(r, payload)
	return nil
}
