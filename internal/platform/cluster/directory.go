package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const presenceKey = "medconnect:presence"

// Entry is the shared view of one registered user.
type Entry struct {
	ConnID   string `json:"connId"`
	Role     string `json:"role"`
	Instance string `json:"instance"`
}

// Directory is the cluster-wide presence table, a Redis hash of
// userId -> Entry.
type Directory struct {
	client *redis.Client
	key    string
}

func NewDirectory(client *redis.Client) *Directory {
	return &Directory{client: client, key: presenceKey}
}

// removeIfConn deletes the field only while it still belongs to the given
// connection, so a late disconnect cannot evict a newer session.
var removeIfConn = redis.NewScript(`
	local raw = redis.call('HGET', KEYS[1], ARGV[1])
	if not raw then
		return 0
	end
	local entry = cjson.decode(raw)
	if entry['connId'] ~= ARGV[2] then
		return 0
	end
	return redis.call('HDEL', KEYS[1], ARGV[1])
`)

// Put records userID as registered on e.ConnID, replacing any prior entry.
func (d *Directory) Put(ctx context.Context, userID string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := d.client.HSet(ctx, d.key, userID, raw).Err(); err != nil {
		return fmt.Errorf("directory put %s: %w", userID, err)
	}
	return nil
}

// Remove deletes userID if its entry still points at connID.
func (d *Directory) Remove(ctx context.Context, userID, connID string) (bool, error) {
	n, err := removeIfConn.Run(ctx, d.client, []string{d.key}, userID, connID).Int()
	if err != nil {
		return false, fmt.Errorf("directory remove %s: %w", userID, err)
	}
	return n == 1, nil
}

// Get returns the entry of userID.
func (d *Directory) Get(ctx context.Context, userID string) (Entry, bool, error) {
	raw, err := d.client.HGet(ctx, d.key, userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("directory get %s: %w", userID, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode entry %s: %w", userID, err)
	}
	return e, true, nil
}

// PurgeInstance removes every entry owned by instance. It runs on shutdown
// so users of a stopped instance do not stay online.
func (d *Directory) PurgeInstance(ctx context.Context, instance string) (int, error) {
	all, err := d.client.HGetAll(ctx, d.key).Result()
	if err != nil {
		return 0, fmt.Errorf("directory scan: %w", err)
	}
	removed := 0
	for userID, raw := range all {
		var e Entry
		if json.Unmarshal([]byte(raw), &e) != nil || e.Instance != instance {
			continue
		}
		ok, err := d.Remove(ctx, userID, e.ConnID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
