// Package redis is a Catalog backed by Redis, for daemons that share
// scenario and destination definitions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/rmax-ai/pulse/pkg/destination"
	"github.com/rmax-ai/pulse/pkg/scenario"
	"github.com/rmax-ai/pulse/pkg/store"
)

const (
	scenariosSet    = "pulse:scenarios"
	destinationsSet = "pulse:destinations"
)

// Catalog stores each record as a JSON string and indexes ids in a set.
type Catalog struct {
	client *redis.Client
}

func NewCatalog(client *redis.Client) *Catalog {
	return &Catalog{client: client}
}

func scenarioKey(id string) string {
	return fmt.Sprintf("pulse:scenario:%s", id)
}

func destinationKey(id string) string {
	return fmt.Sprintf("pulse:destination:%s", id)
}

func (c *Catalog) ListScenarios(ctx context.Context) ([]scenario.Definition, error) {
	var out []scenario.Definition
	err := c.list(ctx, scenariosSet, scenarioKey, func(data string) error {
		var def scenario.Definition
		if err := json.Unmarshal([]byte(data), &def); err != nil {
			return err
		}
		out = append(out, def)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Catalog) GetScenario(ctx context.Context, id string) (*scenario.Definition, error) {
	var def scenario.Definition
	if err := c.get(ctx, scenarioKey(id), "scenario", id, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (c *Catalog) PutScenario(ctx context.Context, def scenario.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	return c.put(ctx, scenariosSet, def.ID, scenarioKey(def.ID), def)
}

func (c *Catalog) DeleteScenario(ctx context.Context, id string) error {
	return c.delete(ctx, scenariosSet, scenarioKey(id), "scenario", id)
}

func (c *Catalog) ListDestinations(ctx context.Context) ([]destination.Destination, error) {
	var out []destination.Destination
	err := c.list(ctx, destinationsSet, destinationKey, func(data string) error {
		var d destination.Destination
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Catalog) GetDestination(ctx context.Context, id string) (*destination.Destination, error) {
	var d destination.Destination
	if err := c.get(ctx, destinationKey(id), "destination", id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Catalog) PutDestination(ctx context.Context, d destination.Destination) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return c.put(ctx, destinationsSet, d.ID, destinationKey(d.ID), d)
}

func (c *Catalog) DeleteDestination(ctx context.Context, id string) error {
	return c.delete(ctx, destinationsSet, destinationKey(id), "destination", id)
}

func (c *Catalog) put(ctx context.Context, set, id, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, set, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to SET %s: %w", key, err)
	}
	return nil
}

func (c *Catalog) get(ctx context.Context, key, kind, id string, v interface{}) error {
	data, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s %q: %w", kind, id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to GET %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (c *Catalog) list(ctx context.Context, set string, keyFor func(string) string, decode func(string) error) error {
	ids, err := c.client.SMembers(ctx, set).Result()
	if err != nil {
		return fmt.Errorf("failed to SMEMBERS %s: %w", set, err)
	}
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyFor(id)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("failed to MGET: %w", err)
	}
	for i, val := range values {
		// Index entries whose record vanished are skipped.
		str, ok := val.(string)
		if !ok {
			continue
		}
		if err := decode(str); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
		}
	}
	return nil
}

func (c *Catalog) delete(ctx context.Context, set, key, kind, id string) error {
	n, err := c.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to DEL %s: %w", key, err)
	}
	if err := c.client.SRem(ctx, set, id).Err(); err != nil {
		return fmt.Errorf("failed to SREM %s: %w", set, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, store.ErrNotFound)
	}
	return nil
}
