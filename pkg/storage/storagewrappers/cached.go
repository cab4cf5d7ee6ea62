// Package storagewrappers contains decorators for [storage.ClusterDatastore]
// implementations.
package storagewrappers

import (
	"context"
	"fmt"
	"strings"

	"github.com/Yiling-J/theine-go"
	"golang.org/x/sync/singleflight"

	"github.com/graphshard/graphshard/pkg/entity"
	"github.com/graphshard/graphshard/pkg/storage"
)

// DefaultCacheSize is the default number of primary assignments held by
// [CachedDatastore].
const DefaultCacheSize = 100_000

var _ storage.ClusterDatastore = (*CachedDatastore)(nil)

// CachedDatastore wraps a datastore with a read-through cache over primary
// assignment lookups. A committed snapshot never changes, so entries for a
// given run and iteration are immutable and cached without a TTL. Misses,
// entities with no primary in the snapshot, are cached too because neighbor
// fan-out repeats the same unassigned ids many times per iteration.
type CachedDatastore struct {
	storage.ClusterDatastore
	lookupGroup singleflight.Group
	cache       *theine.Cache[string, string]
}

// NewCachedDatastore returns a wrapper over a datastore that caches up to
// maxSize primary assignments read through ReadPrimaries.
func NewCachedDatastore(inner storage.ClusterDatastore, maxSize int) (*CachedDatastore, error) {
	cache, err := theine.NewBuilder[string, string](int64(maxSize)).Build()
	if err != nil {
		return nil, fmt.Errorf("initialize assignment cache: %w", err)
	}

	return &CachedDatastore{
		ClusterDatastore: inner,
		cache:            cache,
	}, nil
}

// The sentinel is stored for snapshot entries with no primary so the miss is
// not re-fetched. Cluster ids are entity ids and never contain "\x00".
const noPrimary = "\x00none"

// ReadPrimaries see [storage.AssignmentReader].ReadPrimaries.
func (c *CachedDatastore) ReadPrimaries(ctx context.Context, runID string, iteration int, ids []entity.ID) (map[entity.ID]string, error) {
	out := make(map[entity.ID]string, len(ids))

	var misses []entity.ID
	for _, id := range ids {
		if clusterID, ok := c.cache.Get(cacheKey(runID, iteration, id)); ok {
			if clusterID != noPrimary {
				out[id] = clusterID
			}
			continue
		}
		misses = append(misses, id)
	}

	if len(misses) == 0 {
		return out, nil
	}

	groupKey := fmt.Sprintf("ReadPrimaries:%s/%d/%s", runID, iteration, joinIDs(misses))
	v, err, _ := c.lookupGroup.Do(groupKey, func() (interface{}, error) {
		return c.ClusterDatastore.ReadPrimaries(ctx, runID, iteration, misses)
	})
	if err != nil {
		return nil, err
	}

	fetched := v.(map[entity.ID]string)
	for _, id := range misses {
		clusterID, ok := fetched[id]
		if ok {
			out[id] = clusterID
		} else {
			clusterID = noPrimary
		}
		c.cache.Set(cacheKey(runID, iteration, id), clusterID, 1)
	}

	return out, nil
}

// Close see [storage.ClusterDatastore].Close.
func (c *CachedDatastore) Close() {
	c.cache.Close()
	c.ClusterDatastore.Close()
}

func cacheKey(runID string, iteration int, id entity.ID) string {
	return fmt.Sprintf("%s/%d/%s", runID, iteration, id)
}

func joinIDs(ids []entity.ID) string {
	var sb strings.Builder
	for i, id := range ids {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(string(id))
	}
	return sb.String()
}
