package router

import (
	"context"
	"strconv"
	"strings"

	"github.com/collabhub/activity/internal/activity/model"
	"github.com/collabhub/activity/internal/activity/registry"
)

// computeRoutes runs steps 2-5 of the Router design for every stream
// type registered on activityTypeOpts, returning the final deduplicated
// route list (spec §4.6).
func (r *Router) computeRoutes(ctx context.Context, activityTypeOpts registry.ActivityTypeOptions, entities map[model.Role]*model.ActivityEntity) ([]model.Route, error) {
	actor := entities[model.RoleActor]

	seen := map[model.Route]bool{}
	var routes []model.Route
	addRoute := func(route model.Route) {
		if seen[route] {
			return
		}
		seen[route] = true
		routes = append(routes, route)
	}

	for streamType, streamCfg := range activityTypeOpts.Streams {
		streamOpts, ok := r.registry.StreamType(streamType)
		if !ok {
			r.logger.WithContext(ctx).Warn("router: stream type not registered: " + streamType)
			continue
		}

		roleSets, err := r.produceRouteSets(ctx, streamCfg, streamType, streamOpts.Transient, entities)
		if err != nil {
			return nil, err
		}

		union := unionRouteSets(roleSets)
		filtered, err := r.applyPropagation(ctx, union, roleSets, entities)
		if err != nil {
			return nil, err
		}

		for route := range filtered {
			if isSelfNotificationOrEmail(route, actor) {
				continue
			}
			addRoute(route)

			if streamOpts.VisibilityBucketing && shouldBucketVisibility(route, actor, entities) {
				if allVisibility(entities, "public") {
					addRoute(model.Route{ResourceID: route.ResourceID, StreamType: route.StreamType + "#public", Transient: route.Transient})
				}
				if allVisibility(entities, "public", "loggedin") {
					addRoute(model.Route{ResourceID: route.ResourceID, StreamType: route.StreamType + "#loggedin", Transient: route.Transient})
				}
			}
		}
	}
	return routes, nil
}

// produceRouteSets evaluates each role's ordered association list for one
// stream, returning the per-role resolved route sets (spec §4.6 step 2).
func (r *Router) produceRouteSets(ctx context.Context, cfg registry.StreamRouterConfig, streamType string, transient bool, entities map[model.Role]*model.ActivityEntity) (map[model.Role]map[model.Route]bool, error) {
	out := map[model.Role]map[model.Route]bool{}
	for _, role := range model.Roles {
		entity := entities[role]
		if entity == nil {
			continue
		}
		ids := map[string]bool{}
		for _, entry := range cfg.Roles[role] {
			resolved, err := r.resolveAssociation(ctx, entity.ObjectType, entry.Name, *entity)
			if err != nil {
				r.logger.WithContext(ctx).WithError(err).Warn("router: association resolver failed: " + entry.Name)
				continue
			}
			if entry.Exclude {
				for _, id := range resolved {
					delete(ids, id)
				}
			} else {
				for _, id := range resolved {
					ids[id] = true
				}
			}
		}
		routeSet := map[model.Route]bool{}
		for id := range ids {
			routeSet[model.Route{ResourceID: id, StreamType: streamType, Transient: transient}] = true
		}
		out[role] = routeSet
	}
	return out, nil
}

// resolveAssociation resolves a named association against entity, falling
// back to {entity.OaeID} for the implicit "self" association when no
// resolver is registered.
func (r *Router) resolveAssociation(ctx context.Context, objectType, name string, entity model.ActivityEntity) ([]string, error) {
	resolver, ok := r.registry.Association(objectType, name)
	if !ok {
		if name == "self" {
			if entity.OaeID == "" {
				return nil, nil
			}
			return []string{entity.OaeID}, nil
		}
		return nil, nil
	}
	return resolver(ctx, entity)
}

func unionRouteSets(roleSets map[model.Role]map[model.Route]bool) map[model.Route]bool {
	union := map[model.Route]bool{}
	for _, set := range roleSets {
		for route := range set {
			union[route] = true
		}
	}
	return union
}

// applyPropagation narrows union to the routes admitted by any role's
// propagation rules (spec §4.6 step 3). Rules are disjunctive both within
// one role and across roles.
func (r *Router) applyPropagation(ctx context.Context, union map[model.Route]bool, roleSets map[model.Role]map[model.Route]bool, entities map[model.Role]*model.ActivityEntity) (map[model.Route]bool, error) {
	admitted := map[model.Route]bool{}
	for _, role := range model.Roles {
		entity := entities[role]
		if entity == nil {
			continue
		}
		opts := r.registry.EntityType(entity.ObjectType)
		rules, err := opts.Propagation(ctx, *entity)
		if err != nil {
			return nil, err
		}
		for _, rule := range rules {
			r.admitRule(ctx, rule, role, entity, union, roleSets, entities, admitted)
		}
		if len(admitted) == len(union) {
			break
		}
	}
	return admitted, nil
}

func (r *Router) admitRule(ctx context.Context, rule registry.PropagationRule, role model.Role, entity *model.ActivityEntity, union map[model.Route]bool, roleSets map[model.Role]map[model.Route]bool, entities map[model.Role]*model.ActivityEntity, admitted map[model.Route]bool) {
	switch rule.Type {
	case registry.PropagationAll:
		for route := range union {
			admitted[route] = true
		}
	case registry.PropagationTenant:
		for route := range union {
			if resourceTenant(route.ResourceID) == entity.Tenant {
				admitted[route] = true
			}
		}
	case registry.PropagationInteractingTenants:
		for route := range union {
			if r.tenants == nil {
				continue
			}
			ok, err := r.tenants.CanInteract(ctx, entity.Tenant, resourceTenant(route.ResourceID))
			if err == nil && ok {
				admitted[route] = true
			}
		}
	case registry.PropagationRoutes:
		for route := range roleSets[role] {
			admitted[route] = true
		}
	case registry.PropagationSelf:
		ids, _ := r.resolveAssociation(ctx, entity.ObjectType, "self", *entity)
		admitByIDs(union, ids, admitted)
	case registry.PropagationAssociation:
		ids, _ := r.resolveAssociation(ctx, entity.ObjectType, rule.Association, *entity)
		admitByIDs(union, ids, admitted)
	case registry.PropagationExternalAssociation:
		_, externalEntity := resolveExternalEntity(rule.ExternalRole, entities)
		if externalEntity == nil {
			return
		}
		ids, _ := r.resolveAssociation(ctx, externalEntity.ObjectType, rule.Association, *externalEntity)
		admitByIDs(union, ids, admitted)
	}
}

func admitByIDs(union map[model.Route]bool, ids []string, admitted map[model.Route]bool) {
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	for route := range union {
		if idSet[route.ResourceID] {
			admitted[route] = true
		}
	}
}

// resolveExternalEntity looks up the entity EXTERNAL_ASSOCIATION should
// consult. When the named role has no entity (e.g. no target present),
// it falls back to object, then actor — the decision taken for the
// spec's open question on this rule's role resolution when no target is
// present.
func resolveExternalEntity(role model.Role, entities map[model.Role]*model.ActivityEntity) (model.Role, *model.ActivityEntity) {
	if e := entities[role]; e != nil {
		return role, e
	}
	if e := entities[model.RoleObject]; e != nil {
		return model.RoleObject, e
	}
	if e := entities[model.RoleActor]; e != nil {
		return model.RoleActor, e
	}
	return role, nil
}

// resourceTenant extracts the tenant alias from an oae:id of the form
// "{kind}:{tenantAlias}:{shortId}" (e.g. "u:acme:ab12cd"). Ids that don't
// follow this shape have no resolvable tenant.
func resourceTenant(resourceID string) string {
	parts := strings.SplitN(resourceID, ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func isSelfNotificationOrEmail(route model.Route, actor *model.ActivityEntity) bool {
	if actor == nil {
		return false
	}
	base := baseStreamType(route.StreamType)
	return (base == "notification" || base == "email") && route.ResourceID == actor.OaeID
}

func baseStreamType(streamType string) string {
	if idx := strings.Index(streamType, "#"); idx >= 0 {
		return streamType[:idx]
	}
	return streamType
}

// shouldBucketVisibility reports whether route's owner is the actor's own
// feed, or a non-actor role's group feed (spec §4.6 step 5).
func shouldBucketVisibility(route model.Route, actor *model.ActivityEntity, entities map[model.Role]*model.ActivityEntity) bool {
	if actor != nil && route.ResourceID == actor.OaeID {
		return true
	}
	for _, role := range model.Roles {
		if role == model.RoleActor {
			continue
		}
		entity := entities[role]
		if entity != nil && entity.ObjectType == "group" && entity.OaeID == route.ResourceID {
			return true
		}
	}
	return false
}

func allVisibility(entities map[model.Role]*model.ActivityEntity, allowed ...string) bool {
	allow := make(map[string]bool, len(allowed))
	for _, v := range allowed {
		allow[v] = true
	}
	for _, entity := range entities {
		if entity == nil {
			continue
		}
		if entity.Visibility == "" {
			continue
		}
		if !allow[entity.Visibility] {
			return false
		}
	}
	return true
}

// enqueue assigns each routed activity to a bucket and writes the
// per-bucket batches to the Queue Store (spec §4.6 step 6).
func (r *Router) enqueue(ctx context.Context, routed []model.RoutedActivity, activityType string) error {
	if len(routed) == 0 {
		return nil
	}
	byBucket := map[int][]model.RoutedActivity{}
	for _, ra := range routed {
		n := r.buckets.Number(ra.Route.FeedID()+"|"+activityType, r.bucketCount)
		byBucket[n] = append(byBucket[n], ra)
	}
	for n, items := range byBucket {
		key := "oae-activity:bucket:" + strconv.Itoa(n)
		if err := r.queue.Enqueue(ctx, key, items); err != nil {
			return err
		}
	}
	return nil
}
