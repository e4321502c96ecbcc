package aggregator

import (
	"context"
	"sort"

	"github.com/collabhub/activity/internal/activity/aggregatestore"
	"github.com/collabhub/activity/internal/activity/events"
	"github.com/collabhub/activity/internal/activity/model"
)

// keyMeta is the per-aggregate-key routing metadata carried alongside its
// AggregatePartial: which feed it delivers to and whether the stream is
// transient.
type keyMeta struct {
	FeedID     string
	StreamType string
	Transient  bool
}

// mergeResult is one aggregate key's outcome for this drain: the feed it
// belongs to, the Activity built from its merged state, and whether the
// aggregate was freshly created this drain (as opposed to replacing a
// still-live one).
type mergeResult struct {
	meta     keyMeta
	activity model.Activity
	isNew    bool
}

// sortRoutedActivities orders a peeked batch strictly by publish time,
// ties broken by activityId lexical order (spec §4.7 ordering note).
func sortRoutedActivities(items []model.RoutedActivity) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Activity.PublishedMillis != items[j].Activity.PublishedMillis {
			return items[i].Activity.PublishedMillis < items[j].Activity.PublishedMillis
		}
		return items[i].ActivityID < items[j].ActivityID
	})
}

// processBatch runs steps 2-7 of the Aggregator design over one peeked
// batch (spec §4.7).
func (a *Aggregator) processBatch(ctx context.Context, items []model.RoutedActivity) error {
	partials, meta := a.buildPartials(ctx, items)
	if len(partials) == 0 {
		return nil
	}

	keys := make([]string, 0, len(partials))
	for key := range partials {
		keys = append(keys, key)
	}

	priorStatus, err := a.aggregates.StatusMany(ctx, keys)
	if err != nil {
		return err
	}
	priorRoles, err := a.aggregates.LoadAggregates(ctx, keys)
	if err != nil {
		return err
	}

	nowMillis := a.clock.Now().UnixMilli()

	results := make([]mergeResult, 0, len(keys))
	statusUpdates := make([]aggregatestore.StatusUpdate, 0, len(keys))
	savePartials := make([]*model.AggregatePartial, 0, len(keys))

	for _, key := range keys {
		partial := partials[key]
		m := meta[key]
		prior, hadPrior := priorStatus[key]
		isReplace := hadPrior && nowMillis-prior.LastUpdatedMillis <= a.aggregateMaxExpiry.Milliseconds()

		mergedRoles := map[model.Role]map[string]model.ActivityEntity{}
		for _, role := range model.Roles {
			merged := map[string]model.ActivityEntity{}
			if isReplace {
				if priorForKey, ok := priorRoles[key]; ok {
					for entityKey, entity := range priorForKey[role] {
						merged[entityKey] = entity
					}
				}
			}
			for entityKey, entity := range partial.RoleEntities[role] {
				merged[entityKey] = entity
			}
			mergedRoles[role] = merged
		}

		stableID := partial.EarliestActivityID
		createdMillis := nowMillis
		publishedMillis := partial.PublishedMillis
		if isReplace {
			stableID = prior.LastActivityID
			createdMillis = prior.CreatedMillis
			if prior.LastUpdatedMillis > publishedMillis {
				publishedMillis = prior.LastUpdatedMillis
			}
		}

		activity := model.Activity{
			ActivityType:    partial.ActivityType,
			ActivityID:      stableID,
			Verb:            partial.Verb,
			PublishedMillis: publishedMillis,
			Actor:           model.BuildEntity(mergedRoles[model.RoleActor]),
			Object:          model.BuildEntity(mergedRoles[model.RoleObject]),
			Target:          model.BuildEntity(mergedRoles[model.RoleTarget]),
		}

		results = append(results, mergeResult{meta: m, activity: activity, isNew: !isReplace})
		statusUpdates = append(statusUpdates, aggregatestore.StatusUpdate{
			Key:    key,
			FeedID: m.FeedID,
			Status: model.AggregateStatus{
				LastActivityID:      stableID,
				CreatedMillis:       createdMillis,
				LastUpdatedMillis:   publishedMillis,
				LastCollectedMillis: nowMillis,
			},
		})
		savePartials = append(savePartials, &model.AggregatePartial{
			Key:          key,
			ActivityType: partial.ActivityType,
			RoleEntities: mergedRoles,
		})
	}

	if err := a.deliver(ctx, results); err != nil {
		return err
	}
	if err := a.aggregates.SaveAggregates(ctx, savePartials); err != nil {
		return err
	}
	return a.aggregates.IndexStatus(ctx, statusUpdates, nowMillis)
}

// deliver groups built activities by destination feed, writes the
// non-transient ones to the Feed Store (replacing the prior row for
// aggregates still live within aggregateMaxExpiry), and emits one
// delivered-activities event per feed (spec §4.7 steps 6-7).
func (a *Aggregator) deliver(ctx context.Context, results []mergeResult) error {
	byFeed := map[string][]mergeResult{}
	order := make([]string, 0)
	for _, r := range results {
		if _, ok := byFeed[r.meta.FeedID]; !ok {
			order = append(order, r.meta.FeedID)
		}
		byFeed[r.meta.FeedID] = append(byFeed[r.meta.FeedID], r)
	}

	for _, feedID := range order {
		group := byFeed[feedID]
		var toAppend []model.Activity
		var toReplace []string
		var allActivities []model.Activity
		newCount := 0
		transient := group[0].meta.Transient

		for _, r := range group {
			allActivities = append(allActivities, r.activity)
			if r.isNew {
				newCount++
			} else {
				toReplace = append(toReplace, r.activity.ActivityID)
			}
			if !transient {
				toAppend = append(toAppend, r.activity)
			}
		}

		if !transient {
			if len(toReplace) > 0 {
				if err := a.feeds.Delete(ctx, feedID, toReplace); err != nil {
					return err
				}
			}
			if err := a.feeds.Append(ctx, feedID, toAppend); err != nil {
				return err
			}
		}

		if a.bus != nil {
			event := events.DeliveredActivitiesEvent{FeedID: feedID, Activities: allActivities, NewCount: newCount}
			if err := a.bus.PublishDeliveredActivities(ctx, event); err != nil {
				a.logger.WithContext(ctx).WithError(err).Warn("aggregator: publish delivered-activities event")
			}
		}
	}
	return nil
}

// buildPartials evaluates each routed activity's aggregate key(s) and
// merges it into the corresponding in-batch partial (spec §4.7 step 2).
func (a *Aggregator) buildPartials(ctx context.Context, items []model.RoutedActivity) (map[string]*model.AggregatePartial, map[string]keyMeta) {
	partials := map[string]*model.AggregatePartial{}
	meta := map[string]keyMeta{}

	for _, item := range items {
		opts, ok := a.registry.ActivityType(item.Activity.ActivityType)
		if !ok {
			a.logger.WithContext(ctx).Warn("aggregator: unregistered activity type, skipping: " + item.Activity.ActivityType)
			continue
		}

		var ids model.RoleIDs
		if item.Activity.Actor != nil {
			ids.ActorID = item.Activity.Actor.OaeID
		}
		if item.Activity.Object != nil {
			ids.ObjectID = item.Activity.Object.OaeID
		}
		if item.Activity.Target != nil {
			ids.TargetID = item.Activity.Target.OaeID
		}

		entities := map[model.Role]*model.ActivityEntity{
			model.RoleActor:  item.Activity.Actor,
			model.RoleObject: item.Activity.Object,
			model.RoleTarget: item.Activity.Target,
		}

		pivots := opts.GroupBy
		hasPivot := len(pivots) > 0
		if !hasPivot {
			pivots = []model.PivotSpec{{}}
		}

		for _, pivot := range pivots {
			key := model.AggregateKey(item.Route.StreamType, item.Route.ResourceID, item.Activity.ActivityType, pivot, hasPivot, ids)
			partial, ok := partials[key]
			if !ok {
				partial = model.NewAggregatePartial(key, item.Activity.ActivityType)
				partials[key] = partial
				meta[key] = keyMeta{FeedID: item.Route.FeedID(), StreamType: item.Route.StreamType, Transient: item.Route.Transient}
			}
			partial.Merge(item, entities)
		}
	}
	return partials, meta
}
