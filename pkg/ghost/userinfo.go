// Copyright 2024-2026 Aiku AI

package ghost

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const userInfoTTL = 10 * time.Minute

type cachedUserInfo struct {
	info    *UserInfo
	fetched time.Time
}

// userInfoCache keeps Slack profiles for a fixed window. Concurrent misses for
// the same user share one users.info call.
type userInfoCache struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	lock    sync.Mutex
	entries map[string]cachedUserInfo
}

func newUserInfoCache(now func() time.Time) *userInfoCache {
	return &userInfoCache{
		ttl:     userInfoTTL,
		now:     now,
		entries: make(map[string]cachedUserInfo),
	}
}

func (c *userInfoCache) get(ctx context.Context, client SourceClient, userID string) (*UserInfo, error) {
	key := strings.ToUpper(userID)
	c.lock.Lock()
	entry, ok := c.entries[key]
	c.lock.Unlock()
	if ok && c.now().Sub(entry.fetched) < c.ttl {
		return entry.info, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		info, err := client.GetUserInfo(ctx, userID)
		if err != nil {
			return nil, err
		}
		c.lock.Lock()
		c.entries[key] = cachedUserInfo{info: info, fetched: c.now()}
		c.lock.Unlock()
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*UserInfo), nil
}

func (c *userInfoCache) forget(userID string) {
	c.lock.Lock()
	delete(c.entries, strings.ToUpper(userID))
	c.lock.Unlock()
}
