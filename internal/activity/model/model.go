// Package model defines the activity pipeline's core data types: seeds,
// entities, activities, routes, and aggregation keys (spec §3).
package model

import "sort"

// Role names a seed/entity position within an activity.
type Role string

const (
	RoleActor  Role = "actor"
	RoleObject Role = "object"
	RoleTarget Role = "target"
)

// Roles lists the three roles in their canonical evaluation order.
var Roles = []Role{RoleActor, RoleObject, RoleTarget}

// SeedResource is one of the up to three resources carried by an
// ActivitySeed: a resource type, id, and a free-form data payload the
// entity producer uses to build the persisted ActivityEntity.
type SeedResource struct {
	ResourceType string
	ResourceID   string
	ResourceData map[string]interface{}
}

// ActivitySeed is the transient input to postActivity.
type ActivitySeed struct {
	ActivityType    string
	Verb            string
	PublishedMillis int64
	Actor           *SeedResource
	Object          *SeedResource
	Target          *SeedResource
}

// Resource returns the seed resource for role, or nil if absent.
func (s *ActivitySeed) Resource(role Role) *SeedResource {
	switch role {
	case RoleActor:
		return s.Actor
	case RoleObject:
		return s.Object
	case RoleTarget:
		return s.Target
	default:
		return nil
	}
}

// ActivityEntity is the persistent, transformer-ready representation of a
// seed resource within an Activity. A collection entity (ObjectType
// "collection") carries an ordered Members list instead of scalar fields.
type ActivityEntity struct {
	ObjectType string                 `json:"objectType"`
	OaeID      string                 `json:"oae:id,omitempty"`
	Data       map[string]interface{} `json:"-"`
	// Tenant is the owning tenant alias, used by TENANT/INTERACTING_TENANTS
	// propagation rules.
	Tenant string `json:"-"`
	// Visibility is one of "public", "loggedin", "private".
	Visibility string `json:"-"`
	// Members holds the ordered member entities of a collection entity.
	Members []ActivityEntity `json:"oae:collection,omitempty"`
}

// IsCollection reports whether this entity represents multiple distinct
// entities merged into one role (spec §4.7 step 5).
func (e ActivityEntity) IsCollection() bool {
	return e.ObjectType == "collection"
}

// IdentityKey is a stable content-derived key used to deduplicate entity
// values in the Aggregate Store's identity map (spec §4.4, §9).
type IdentityKey string

// Activity is a fully-formed, routable record: activityType, activityId
// (publishedMillis ":" short-random), verb, publishedMillis, and up to
// three role entities.
type Activity struct {
	ActivityType    string          `json:"activityType"`
	ActivityID      string          `json:"activityId"`
	Verb            string          `json:"verb"`
	PublishedMillis int64           `json:"published"`
	Actor           *ActivityEntity `json:"actor,omitempty"`
	Object          *ActivityEntity `json:"object,omitempty"`
	Target          *ActivityEntity `json:"target,omitempty"`
}

// Entity returns the activity's entity for role, or nil.
func (a *Activity) Entity(role Role) *ActivityEntity {
	switch role {
	case RoleActor:
		return a.Actor
	case RoleObject:
		return a.Object
	case RoleTarget:
		return a.Target
	default:
		return nil
	}
}

// SetEntity assigns the activity's entity for role.
func (a *Activity) SetEntity(role Role, entity *ActivityEntity) {
	switch role {
	case RoleActor:
		a.Actor = entity
	case RoleObject:
		a.Object = entity
	case RoleTarget:
		a.Target = entity
	}
}

// Route identifies a destination feed: a resourceId and stream type.
// Transient routes are delivered live but never persisted.
type Route struct {
	ResourceID string `json:"resourceId"`
	StreamType string `json:"streamType"`
	Transient  bool   `json:"transient"`
}

// FeedID returns the Feed Store key this route writes to.
func (r Route) FeedID() string {
	return r.ResourceID + "#" + r.StreamType
}

// RoutedActivity is the unit placed on the bucket queue: a route and the
// activity destined for it.
type RoutedActivity struct {
	Route      Route
	Activity   Activity
	ActivityID string // duplicated for convenience; equals Activity.ActivityID
}

// PivotSpec names which roles are "frozen" by one groupBy entry; the other
// roles vary and contribute a placeholder to the aggregate key.
type PivotSpec struct {
	Actor  bool
	Object bool
	Target bool
}

// Frozen reports whether role is frozen by this pivot.
func (p PivotSpec) Frozen(role Role) bool {
	switch role {
	case RoleActor:
		return p.Actor
	case RoleObject:
		return p.Object
	case RoleTarget:
		return p.Target
	default:
		return false
	}
}

const placeholderToken = "*"

// AggregateKey derives the stable key string for one groupBy pivot applied
// to a routed activity (spec §3, §4.7 step 2). pivot may be the zero value,
// meaning "no groupBy configured": all roles are frozen so duplicates
// collapse onto one key.
func AggregateKey(streamType, resourceID, activityType string, pivot PivotSpec, hasPivot bool, ids RoleIDs) string {
	if !hasPivot {
		pivot = PivotSpec{Actor: true, Object: true, Target: true}
	}
	parts := []string{streamType, resourceID, activityType}
	for _, role := range Roles {
		if pivot.Frozen(role) {
			parts = append(parts, string(role)+"="+ids.Get(role))
		} else {
			parts = append(parts, string(role)+"="+placeholderToken)
		}
	}
	return joinParts(parts)
}

func joinParts(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}

// RoleIDs carries the oae:id for each role present on a routed activity,
// used to compute aggregate keys.
type RoleIDs struct {
	ActorID  string
	ObjectID string
	TargetID string
}

// Get returns the id for role.
func (r RoleIDs) Get(role Role) string {
	switch role {
	case RoleActor:
		return r.ActorID
	case RoleObject:
		return r.ObjectID
	case RoleTarget:
		return r.TargetID
	default:
		return ""
	}
}

// AggregateStatus tracks an aggregate's lifecycle in the Aggregate Store.
type AggregateStatus struct {
	LastActivityID      string
	CreatedMillis       int64
	LastUpdatedMillis   int64
	LastCollectedMillis int64
}

// AggregatePartial is one batch's contribution to an aggregate key: the
// role entities seen, the activity ids merged, and bookkeeping for
// building the eventual Activity.
type AggregatePartial struct {
	Key             string
	ActivityType    string
	Verb            string
	PublishedMillis int64
	RoleEntities    map[Role]map[string]ActivityEntity // role -> entityKey -> entity
	ActivityIDs     []string
	// EarliestActivityID is the activityId of the first contributing routed
	// activity, which becomes the merged Activity's stable id.
	EarliestActivityID string
}

// NewAggregatePartial creates an empty partial for key.
func NewAggregatePartial(key, activityType string) *AggregatePartial {
	return &AggregatePartial{
		Key:          key,
		ActivityType: activityType,
		RoleEntities: map[Role]map[string]ActivityEntity{
			RoleActor:  {},
			RoleObject: {},
			RoleTarget: {},
		},
	}
}

// Merge folds a single routed activity's contribution into the partial,
// tracking max published time and first-seen activity id.
func (p *AggregatePartial) Merge(ra RoutedActivity, entities map[Role]*ActivityEntity) {
	if p.PublishedMillis < ra.Activity.PublishedMillis {
		p.PublishedMillis = ra.Activity.PublishedMillis
		p.Verb = ra.Activity.Verb
	}
	if p.EarliestActivityID == "" || ra.ActivityID < p.EarliestActivityID {
		p.EarliestActivityID = ra.ActivityID
	}
	for _, role := range Roles {
		entity := entities[role]
		if entity == nil {
			continue
		}
		key := entity.OaeID
		if key == "" {
			continue
		}
		p.RoleEntities[role][key] = *entity
	}
	p.ActivityIDs = appendUnique(p.ActivityIDs, ra.ActivityID)
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// BuildEntity collapses a role's entity map into a single ActivityEntity,
// or a collection entity when more than one distinct entity is present
// (spec §4.7 step 5). Members are ordered by entityKey for determinism.
func BuildEntity(entities map[string]ActivityEntity) *ActivityEntity {
	if len(entities) == 0 {
		return nil
	}
	if len(entities) == 1 {
		for _, e := range entities {
			e := e
			return &e
		}
	}
	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	members := make([]ActivityEntity, 0, len(keys))
	for _, k := range keys {
		members = append(members, entities[k])
	}
	return &ActivityEntity{ObjectType: "collection", Members: members}
}
