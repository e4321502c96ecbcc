package email

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/collabhub/activity/internal/activity/model"
	"github.com/collabhub/activity/internal/activity/registry"
)

// emailTransformFormat is the registered transformer format name the
// Email Scheduler requests when rendering entities into a digest's data
// bag.
const emailTransformFormat = "email"

// regroupForDigest re-aggregates a user's loaded email-feed activities by
// activityType, folding each role's distinct entities into one entity (or
// a collection entity when more than one is present), the same collapse
// rule the Aggregator applies (spec §4.9 "re-aggregate the loaded
// activities in-memory since weekly windows may combine activities
// created as separate aggregates").
func regroupForDigest(activities []model.Activity) []model.Activity {
	order := make([]string, 0, len(activities))
	byType := make(map[string][]model.Activity)
	for _, a := range activities {
		if _, seen := byType[a.ActivityType]; !seen {
			order = append(order, a.ActivityType)
		}
		byType[a.ActivityType] = append(byType[a.ActivityType], a)
	}

	out := make([]model.Activity, 0, len(order))
	for _, activityType := range order {
		group := byType[activityType]
		merged := model.Activity{ActivityType: activityType}
		roleEntities := map[model.Role]map[string]model.ActivityEntity{
			model.RoleActor:  {},
			model.RoleObject: {},
			model.RoleTarget: {},
		}
		for _, a := range group {
			if merged.ActivityID == "" || a.ActivityID < merged.ActivityID {
				merged.ActivityID = a.ActivityID
			}
			if a.PublishedMillis > merged.PublishedMillis {
				merged.PublishedMillis = a.PublishedMillis
				merged.Verb = a.Verb
			}
			collectRoleEntities(roleEntities[model.RoleActor], a.Actor)
			collectRoleEntities(roleEntities[model.RoleObject], a.Object)
			collectRoleEntities(roleEntities[model.RoleTarget], a.Target)
		}
		merged.Actor = model.BuildEntity(roleEntities[model.RoleActor])
		merged.Object = model.BuildEntity(roleEntities[model.RoleObject])
		merged.Target = model.BuildEntity(roleEntities[model.RoleTarget])
		out = append(out, merged)
	}
	return out
}

func collectRoleEntities(into map[string]model.ActivityEntity, entity *model.ActivityEntity) {
	if entity == nil {
		return
	}
	if entity.IsCollection() {
		for _, member := range entity.Members {
			if member.OaeID != "" {
				into[member.OaeID] = member
			}
		}
		return
	}
	if entity.OaeID != "" {
		into[entity.OaeID] = *entity
	}
}

// transformedEntry is one re-aggregated activity rendered for the digest
// template's data bag.
type transformedEntry struct {
	ActivityType string                 `json:"activityType"`
	Verb         string                 `json:"verb"`
	Published    int64                  `json:"published"`
	Actor        map[string]interface{} `json:"actor,omitempty"`
	Object       map[string]interface{} `json:"object,omitempty"`
	Target       map[string]interface{} `json:"target,omitempty"`
}

// transformDigest renders each re-aggregated activity's entities through
// the activity type's registered email transformer, falling back to
// registry.DefaultTransform when none is registered for this format
// (spec §4.6 step 4, reused here for the digest's own render pass).
func transformDigest(ctx context.Context, reg *registry.Registry, activities []model.Activity) ([]transformedEntry, error) {
	entries := make([]transformedEntry, 0, len(activities))
	for _, a := range activities {
		entry := transformedEntry{ActivityType: a.ActivityType, Verb: a.Verb, Published: a.PublishedMillis}
		var err error
		if entry.Actor, err = transformEntity(ctx, reg, a.Actor); err != nil {
			return nil, err
		}
		if entry.Object, err = transformEntity(ctx, reg, a.Object); err != nil {
			return nil, err
		}
		if entry.Target, err = transformEntity(ctx, reg, a.Target); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func transformEntity(ctx context.Context, reg *registry.Registry, entity *model.ActivityEntity) (map[string]interface{}, error) {
	if entity == nil {
		return nil, nil
	}
	opts := reg.EntityType(entity.ObjectType)
	transform, ok := opts.Transformers[emailTransformFormat]
	if !ok {
		transform = registry.DefaultTransform
	}
	return transform(ctx, *entity)
}

// fingerprint derives the deterministic dedup hash for one user's digest
// send: userId plus every contributing activityType:published tuple,
// sorted so the hash only depends on content, not arrival order (spec
// §4.9, §P7). crypto/sha256 (stdlib) is used rather than the pipeline's
// blake2b identity hash: this fingerprint is a send-dedup token, not a
// content-addressed entity identity, so it has no reason to share the
// Aggregate Store's hash family.
func fingerprint(userID string, activities []model.Activity) string {
	tuples := make([]string, 0, len(activities))
	for _, a := range activities {
		tuples = append(tuples, a.ActivityType+":"+strconv.FormatInt(a.PublishedMillis, 10))
	}
	sort.Strings(tuples)

	h := sha256.New()
	h.Write([]byte(userID))
	for _, tuple := range tuples {
		h.Write([]byte{0})
		h.Write([]byte(tuple))
	}
	return hex.EncodeToString(h.Sum(nil))
}
