// Package aggregatestore implements the Aggregate Store: the time-windowed
// aggregation backing state (spec §4.4), keeping per-key status and
// role-entity maps on the KV store with a content-addressed identity
// scheme for entity values (spec §9).
package aggregatestore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/collabhub/activity/infrastructure/errors"
	"github.com/collabhub/activity/infrastructure/kv"
	"github.com/collabhub/activity/internal/activity/model"
)

// StatusUpdate is one key's new AggregateStatus, written alongside a touch
// of its feed's active-aggregates set.
type StatusUpdate struct {
	Key    string
	FeedID string
	Status model.AggregateStatus
}

// Store is the Aggregate Store.
type Store struct {
	kv         kv.Store
	idleExpiry time.Duration
	maxExpiry  time.Duration
}

// New creates an Aggregate Store. idleExpiry is the TTL reset on every
// write to a key's status or role maps; maxExpiry bounds identity values
// and the per-feed active-aggregates set (spec §4.4 TTL policy).
func New(store kv.Store, idleExpiry, maxExpiry time.Duration) *Store {
	return &Store{kv: store, idleExpiry: idleExpiry, maxExpiry: maxExpiry}
}

// Key names follow the persisted KV layout (spec §6): oae-activity:aggregate:
// {key}:status, oae-activity:aggregate:{key}:{actors|objects|targets}:entities,
// oae-activity:entity:{identity}, oae-activity:active-aggregates:{feedId}.
func statusKey(key string) string { return "oae-activity:aggregate:" + key + ":status" }

func rolesKey(key string, role model.Role) string {
	return "oae-activity:aggregate:" + key + ":" + rolePlural(role) + ":entities"
}

func rolePlural(role model.Role) string {
	switch role {
	case model.RoleActor:
		return "actors"
	case model.RoleObject:
		return "objects"
	case model.RoleTarget:
		return "targets"
	default:
		return string(role)
	}
}

func activeKey(feedID string) string { return "oae-activity:active-aggregates:" + feedID }
func identityKey(hash string) string { return "oae-activity:entity:" + hash }

// StatusMany reads AggregateStatus for each key; keys with no stored
// status are omitted from the result.
func (s *Store) StatusMany(ctx context.Context, keys []string) (map[string]model.AggregateStatus, error) {
	if len(keys) == 0 {
		return map[string]model.AggregateStatus{}, nil
	}
	blobKeys := make([]string, len(keys))
	for i, k := range keys {
		blobKeys[i] = statusKey(k)
	}
	blobs, err := s.kv.MGet(ctx, blobKeys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.AggregateStatus, len(keys))
	for i, blob := range blobs {
		if blob == nil {
			continue
		}
		var status model.AggregateStatus
		if err := json.Unmarshal(blob, &status); err != nil {
			return nil, errors.Internal("aggregatestore: decode status", err)
		}
		out[keys[i]] = status
	}
	return out, nil
}

// IndexStatus writes status for each update and touches the update's
// feed's active-aggregates set (score=nowMillis), trimming entries older
// than maxExpiry (spec §4.4).
func (s *Store) IndexStatus(ctx context.Context, updates []StatusUpdate, nowMillis int64) error {
	feeds := map[string]bool{}
	for _, u := range updates {
		encoded, err := json.Marshal(u.Status)
		if err != nil {
			return errors.Internal("aggregatestore: encode status", err)
		}
		if err := s.kv.MSet(ctx, map[string][]byte{statusKey(u.Key): encoded}, s.idleExpiry); err != nil {
			return err
		}
		if err := s.kv.ZAdd(ctx, activeKey(u.FeedID), map[string]float64{u.Key: float64(nowMillis)}); err != nil {
			return err
		}
		feeds[u.FeedID] = true
	}
	for feedID := range feeds {
		if err := s.kv.Expire(ctx, activeKey(feedID), s.maxExpiry); err != nil {
			return err
		}
		if err := s.trimStale(ctx, feedID, nowMillis); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) trimStale(ctx context.Context, feedID string, nowMillis int64) error {
	cutoff := float64(nowMillis) - float64(s.maxExpiry.Milliseconds())
	stale, err := s.kv.ZRangeByScore(ctx, activeKey(feedID), math.Inf(-1), cutoff)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	return s.kv.ZRem(ctx, activeKey(feedID), stale...)
}

// ActiveKeysForFeeds returns, per feed, the aggregate keys whose last
// touch is within maxExpiry of now.
func (s *Store) ActiveKeysForFeeds(ctx context.Context, feedIDs []string, nowMillis int64) (map[string][]string, error) {
	cutoff := float64(nowMillis) - float64(s.maxExpiry.Milliseconds())
	out := make(map[string][]string, len(feedIDs))
	for _, feedID := range feedIDs {
		keys, err := s.kv.ZRangeByScore(ctx, activeKey(feedID), cutoff, float64(nowMillis))
		if err != nil {
			return nil, err
		}
		out[feedID] = keys
	}
	return out, nil
}

// RoleEntityMaps is one aggregate key's three role->entityKey->entity maps.
type RoleEntityMaps map[model.Role]map[string]model.ActivityEntity

// LoadAggregates resolves the role-entity maps for each key, dereferencing
// identity-hash pointers into the entity values they address.
func (s *Store) LoadAggregates(ctx context.Context, keys []string) (map[string]RoleEntityMaps, error) {
	out := make(map[string]RoleEntityMaps, len(keys))
	for _, key := range keys {
		maps := RoleEntityMaps{}
		for _, role := range model.Roles {
			entityMap, err := s.loadRole(ctx, key, role)
			if err != nil {
				return nil, err
			}
			maps[role] = entityMap
		}
		out[key] = maps
	}
	return out, nil
}

func (s *Store) loadRole(ctx context.Context, key string, role model.Role) (map[string]model.ActivityEntity, error) {
	pointers, err := s.kv.HGetAll(ctx, rolesKey(key, role))
	if err != nil {
		return nil, err
	}
	if len(pointers) == 0 {
		return map[string]model.ActivityEntity{}, nil
	}
	entityKeys := make([]string, 0, len(pointers))
	hashKeys := make([]string, 0, len(pointers))
	for entityKey, hash := range pointers {
		entityKeys = append(entityKeys, entityKey)
		hashKeys = append(hashKeys, identityKey(hash))
	}
	blobs, err := s.kv.MGet(ctx, hashKeys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.ActivityEntity, len(entityKeys))
	for i, entityKey := range entityKeys {
		if blobs[i] == nil {
			continue // identity value expired before the pointer did
		}
		var entity model.ActivityEntity
		if err := json.Unmarshal(blobs[i], &entity); err != nil {
			return nil, errors.Internal("aggregatestore: decode entity", err)
		}
		out[entityKey] = entity
	}
	return out, nil
}

// SaveAggregates merges each partial's role entities into the stored maps
// and writes any new entity values into the identity store with TTL
// maxExpiry (spec §4.4).
func (s *Store) SaveAggregates(ctx context.Context, partials []*model.AggregatePartial) error {
	for _, partial := range partials {
		for _, role := range model.Roles {
			entities := partial.RoleEntities[role]
			if len(entities) == 0 {
				continue
			}
			pointers := make(map[string]string, len(entities))
			identities := make(map[string][]byte, len(entities))
			for entityKey, entity := range entities {
				hash, encoded, err := identityHash(entity)
				if err != nil {
					return err
				}
				pointers[entityKey] = hash
				identities[identityKey(hash)] = encoded
			}
			if err := s.kv.MSet(ctx, identities, s.maxExpiry); err != nil {
				return err
			}
			if err := s.kv.HSet(ctx, rolesKey(partial.Key, role), pointers); err != nil {
				return err
			}
			if err := s.kv.Expire(ctx, rolesKey(partial.Key, role), s.idleExpiry); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteAggregates removes status and role maps for each key. The caller
// is responsible for also removing the keys from their feed's active set
// (spec §4.4).
func (s *Store) DeleteAggregates(ctx context.Context, keys []string) error {
	for _, key := range keys {
		roleDelKeys := make([]string, 0, len(model.Roles)+1)
		roleDelKeys = append(roleDelKeys, statusKey(key))
		for _, role := range model.Roles {
			roleDelKeys = append(roleDelKeys, rolesKey(key, role))
		}
		if err := s.kv.Del(ctx, roleDelKeys...); err != nil {
			return err
		}
	}
	return nil
}

// ResetFeeds loads each feed's active aggregate keys, deletes their status
// and role maps, and removes them from the active set (spec §4.4).
func (s *Store) ResetFeeds(ctx context.Context, feedIDs []string, nowMillis int64) error {
	active, err := s.ActiveKeysForFeeds(ctx, feedIDs, nowMillis)
	if err != nil {
		return err
	}
	for feedID, keys := range active {
		if len(keys) == 0 {
			continue
		}
		if err := s.DeleteAggregates(ctx, keys); err != nil {
			return err
		}
		if err := s.kv.ZRem(ctx, activeKey(feedID), keys...); err != nil {
			return err
		}
	}
	return nil
}

// identityHash canonically encodes entity and returns its blake2b-256 hex
// digest alongside the encoded bytes, so identical entity values
// deduplicate onto the same identity key (spec §9).
func identityHash(entity model.ActivityEntity) (hash string, encoded []byte, err error) {
	encoded, err = json.Marshal(entity)
	if err != nil {
		return "", nil, errors.Internal("aggregatestore: encode entity", err)
	}
	sum := blake2b.Sum256(encoded)
	return fmt.Sprintf("%x", sum), encoded, nil
}
