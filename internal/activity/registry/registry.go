// Package registry holds the activity pipeline's plug-in tables: activity
// types, entity types, associations, and stream types (spec §4.1).
// Registration happens during process startup; the registry becomes
// immutable once Freeze is called, matching the "registries are populated
// during a dedicated initialise phase" design note (spec §9).
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/collabhub/activity/internal/activity/model"
)

// PropagationType is one of the route-narrowing rules applied per role
// during routing (spec §4.6 step 3).
type PropagationType string

const (
	PropagationAll                 PropagationType = "ALL"
	PropagationTenant               PropagationType = "TENANT"
	PropagationInteractingTenants   PropagationType = "INTERACTING_TENANTS"
	PropagationRoutes               PropagationType = "ROUTES"
	PropagationSelf                 PropagationType = "SELF"
	PropagationAssociation          PropagationType = "ASSOCIATION"
	PropagationExternalAssociation  PropagationType = "EXTERNAL_ASSOCIATION"
)

// PropagationRule narrows the route set for one role. Association names
// the association to consult for ASSOCIATION/EXTERNAL_ASSOCIATION rules.
// ExternalRole names which *other* role's entity the EXTERNAL_ASSOCIATION
// rule's association is resolved against — the spec leaves this
// unspecified as an open question; resolving it to a role (rather than a
// bare objectType string) is this module's decision, recorded in
// DESIGN.md. When the named role has no entity on the activity (e.g. no
// target), the association is resolved against the object instead, or
// against the actor when there is no object either.
type PropagationRule struct {
	Type        PropagationType
	Association string
	ExternalRole model.Role
}

// PropagationFunc computes the propagation rules for one entity value.
// The default (nil) propagation is a single ROUTES rule (spec §4.1).
type PropagationFunc func(ctx context.Context, entity model.ActivityEntity) ([]PropagationRule, error)

// ProducerFunc builds a persisted ActivityEntity from a seed resource. The
// default producer returns the resource's free-form data verbatim with
// objectType=resourceType and oae:id=resourceId (spec §4.6 step 1).
type ProducerFunc func(ctx context.Context, resource model.SeedResource) (model.ActivityEntity, error)

// TransformerFunc renders an entity for one output format (e.g.
// "activitystreams" or "internal"). The default transformer returns
// {objectType, oae:id} only.
type TransformerFunc func(ctx context.Context, entity model.ActivityEntity) (map[string]interface{}, error)

// EntityTypeOptions is the registered behavior for one objectType.
type EntityTypeOptions struct {
	Producer     ProducerFunc
	Transformers map[string]TransformerFunc
	Propagation  PropagationFunc
}

// AssociationResolver resolves the ids an association name yields for an
// entity, e.g. "managers" or "members".
type AssociationResolver func(ctx context.Context, entity model.ActivityEntity) ([]string, error)

// PushPhase names when a stream's subscribers are pushed a message.
type PushPhase string

const (
	PushPhaseRouting     PushPhase = "ROUTING"
	PushPhaseAggregation PushPhase = "AGGREGATION"
)

// AuthorizationHandler decides whether a push subscribe frame for
// resourceID may proceed, given an optional caller-supplied token.
type AuthorizationHandler func(ctx context.Context, resourceID string, token string) error

// StreamTypeOptions is the registered behavior for one stream type.
type StreamTypeOptions struct {
	Transient           bool
	VisibilityBucketing bool
	PushPhase           PushPhase
	AuthorizationHandler AuthorizationHandler
}

// EmailMetadata names the template used when a notification stream's
// activity is also destined for an email digest.
type EmailMetadata struct {
	TemplateModule string
	TemplateID     string
}

// RoleAssociations is the ordered association name list evaluated for one
// role (spec §4.6 step 2). Entries built with Union add the association's
// ids; entries built with Exclude (the "^name" form) remove them.
type RoleAssociations []AssociationEntry

// AssociationEntry is one entry of a RoleAssociations list: either a union
// (Exclude=false) or a difference (Exclude=true) against the named
// association's resolved ids.
type AssociationEntry struct {
	Name    string
	Exclude bool
}

// Union returns a non-excluding entry.
func Union(name string) AssociationEntry { return AssociationEntry{Name: name} }

// Exclude returns an excluding ("^name") entry.
func Exclude(name string) AssociationEntry { return AssociationEntry{Name: name, Exclude: true} }

// StreamRouterConfig is the per-stream routing configuration registered on
// an activity type: an ordered association list per role, plus optional
// email metadata when the stream is "notification".
type StreamRouterConfig struct {
	Roles map[model.Role]RoleAssociations
	Email *EmailMetadata
}

// PivotConfig is one groupBy entry: which roles are frozen by this pivot.
type PivotConfig = model.PivotSpec

// ActivityTypeOptions is the registered behavior for one activityType.
type ActivityTypeOptions struct {
	GroupBy []PivotConfig
	Streams map[string]StreamRouterConfig
}

// Registry holds the four plug-in tables. Safe for concurrent reads once
// Freeze has been called; registration itself is single-threaded during
// startup but still mutex-guarded defensively.
type Registry struct {
	mu sync.RWMutex

	activityTypes map[string]ActivityTypeOptions
	entityTypes   map[string]EntityTypeOptions
	associations  map[string]AssociationResolver // "objectType\x00name" -> resolver
	streamTypes   map[string]StreamTypeOptions

	frozen bool
}

// New creates an empty, mutable Registry.
func New() *Registry {
	return &Registry{
		activityTypes: make(map[string]ActivityTypeOptions),
		entityTypes:   make(map[string]EntityTypeOptions),
		associations:  make(map[string]AssociationResolver),
		streamTypes:   make(map[string]StreamTypeOptions),
	}
}

func associationKey(objectType, name string) string {
	return objectType + "\x00" + name
}

// RegisterActivityType adds activityType's options. Duplicate registration
// is a configuration error, per spec §4.1.
func (r *Registry) RegisterActivityType(activityType string, opts ActivityTypeOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry: frozen, cannot register activity type %q", activityType)
	}
	if _, exists := r.activityTypes[activityType]; exists {
		return fmt.Errorf("registry: activity type %q already registered", activityType)
	}
	r.activityTypes[activityType] = opts
	return nil
}

// RegisterEntityType adds objectType's options.
func (r *Registry) RegisterEntityType(objectType string, opts EntityTypeOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry: frozen, cannot register entity type %q", objectType)
	}
	if _, exists := r.entityTypes[objectType]; exists {
		return fmt.Errorf("registry: entity type %q already registered", objectType)
	}
	r.entityTypes[objectType] = opts
	return nil
}

// RegisterAssociation adds a resolver for (objectType, name).
func (r *Registry) RegisterAssociation(objectType, name string, resolver AssociationResolver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry: frozen, cannot register association %q/%q", objectType, name)
	}
	key := associationKey(objectType, name)
	if _, exists := r.associations[key]; exists {
		return fmt.Errorf("registry: association %q/%q already registered", objectType, name)
	}
	r.associations[key] = resolver
	return nil
}

// RegisterStreamType adds streamType's options.
func (r *Registry) RegisterStreamType(streamType string, opts StreamTypeOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry: frozen, cannot register stream type %q", streamType)
	}
	if _, exists := r.streamTypes[streamType]; exists {
		return fmt.Errorf("registry: stream type %q already registered", streamType)
	}
	r.streamTypes[streamType] = opts
	return nil
}

// Freeze forbids further registration. postActivity must not be accepted
// before Freeze is called (spec §9).
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether the registry has been frozen.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// ActivityType looks up activityType's options.
func (r *Registry) ActivityType(activityType string) (ActivityTypeOptions, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	opts, ok := r.activityTypes[activityType]
	return opts, ok
}

// EntityType looks up objectType's options, falling back to documented
// defaults (spec §4.1) when objectType was never registered.
func (r *Registry) EntityType(objectType string) EntityTypeOptions {
	r.mu.RLock()
	opts, ok := r.entityTypes[objectType]
	r.mu.RUnlock()
	if ok {
		return fillDefaults(opts)
	}
	return fillDefaults(EntityTypeOptions{})
}

func fillDefaults(opts EntityTypeOptions) EntityTypeOptions {
	if opts.Producer == nil {
		opts.Producer = defaultProducer
	}
	if opts.Transformers == nil {
		opts.Transformers = map[string]TransformerFunc{}
	}
	if opts.Propagation == nil {
		opts.Propagation = defaultPropagation
	}
	return opts
}

func defaultProducer(_ context.Context, resource model.SeedResource) (model.ActivityEntity, error) {
	return model.ActivityEntity{
		ObjectType: resource.ResourceType,
		OaeID:      resource.ResourceID,
		Data:       resource.ResourceData,
	}, nil
}

func defaultPropagation(_ context.Context, _ model.ActivityEntity) ([]PropagationRule, error) {
	return []PropagationRule{{Type: PropagationRoutes}}, nil
}

// DefaultTransform renders the documented default transformer shape:
// {objectType, oae:id}. Entity type producers that register no transformer
// for a requested format fall back to this.
func DefaultTransform(_ context.Context, entity model.ActivityEntity) (map[string]interface{}, error) {
	return map[string]interface{}{
		"objectType": entity.ObjectType,
		"oae:id":     entity.OaeID,
	}, nil
}

// Association looks up the resolver for (objectType, name).
func (r *Registry) Association(objectType, name string) (AssociationResolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resolver, ok := r.associations[associationKey(objectType, name)]
	return resolver, ok
}

// StreamType looks up streamType's options.
func (r *Registry) StreamType(streamType string) (StreamTypeOptions, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	opts, ok := r.streamTypes[streamType]
	return opts, ok
}

// StreamTypeNames lists every registered stream type name.
func (r *Registry) StreamTypeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.streamTypes))
	for name := range r.streamTypes {
		names = append(names, name)
	}
	return names
}
