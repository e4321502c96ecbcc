package api

import (
	"context"

	"github.com/collabhub/activity/internal/activity/model"
	"github.com/collabhub/activity/internal/activity/registry"
)

// renderedActivity is the wire shape of one Activity, its entities
// transformed for a requested format (activitystreams, internal, ...).
type renderedActivity struct {
	ActivityType string                 `json:"activityType"`
	ActivityID   string                 `json:"activityId"`
	Verb         string                 `json:"verb"`
	Published    int64                  `json:"published"`
	Actor        map[string]interface{} `json:"actor,omitempty"`
	Object       map[string]interface{} `json:"object,omitempty"`
	Target       map[string]interface{} `json:"target,omitempty"`
}

func renderActivities(ctx context.Context, reg *registry.Registry, format string, activities []model.Activity) ([]renderedActivity, error) {
	out := make([]renderedActivity, 0, len(activities))
	for _, a := range activities {
		r := renderedActivity{ActivityType: a.ActivityType, ActivityID: a.ActivityID, Verb: a.Verb, Published: a.PublishedMillis}
		var err error
		if r.Actor, err = renderEntity(ctx, reg, format, a.Actor); err != nil {
			return nil, err
		}
		if r.Object, err = renderEntity(ctx, reg, format, a.Object); err != nil {
			return nil, err
		}
		if r.Target, err = renderEntity(ctx, reg, format, a.Target); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func renderEntity(ctx context.Context, reg *registry.Registry, format string, entity *model.ActivityEntity) (map[string]interface{}, error) {
	if entity == nil {
		return nil, nil
	}
	opts := reg.EntityType(entity.ObjectType)
	transform, ok := opts.Transformers[format]
	if !ok {
		transform = registry.DefaultTransform
	}
	return transform(ctx, *entity)
}
