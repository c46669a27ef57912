/*
 * Copyright (c) 2025, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package outline

import (
	"strings"
	"sync"
	"time"

	lrucache "github.com/cognusion/go-cache-lru"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
)

const (
	CLIENT_CACHE_MAX_ENTRIES      = 256
	CLIENT_CACHE_CLEANUP_INTERVAL = 10 * time.Minute
	clientCacheKeyFieldSeparator  = "\x00"
)

// ClientCache lazily creates and reuses one Client per group. Entries are
// keyed by group name and API key, so associating a group with a different
// server replaces its client.
type ClientCache struct {
	config *ClientConfig
	mutex  sync.Mutex
	cache  *lrucache.Cache
}

// NewClientCache initializes a new ClientCache. Clients are created with
// config.
func NewClientCache(config *ClientConfig) *ClientCache {
	return &ClientCache{
		config: config,
		cache: lrucache.NewWithLRU(
			lrucache.NoExpiration,
			CLIENT_CACHE_CLEANUP_INTERVAL,
			CLIENT_CACHE_MAX_ENTRIES),
	}
}

func clientCacheKey(groupName string, apiKey *APIKey) string {
	return groupName + clientCacheKeyFieldSeparator +
		apiKey.APIURL + clientCacheKeyFieldSeparator +
		apiKey.CertSHA256
}

// Get returns the cached client for groupName, creating it on first use.
func (cache *ClientCache) Get(groupName string, apiKey *APIKey) (API, error) {

	if apiKey == nil {
		return nil, errors.Trace(ErrInvalidAPIKey)
	}

	key := clientCacheKey(groupName, apiKey)

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if value, ok := cache.cache.Get(key); ok {
		return value.(*Client), nil
	}

	// A stale client for a previous association of this group is dropped.
	cache.evictLocked(groupName)

	client, err := NewClient(apiKey, cache.config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	cache.cache.Set(key, client, lrucache.DefaultExpiration)

	return client, nil
}

// Evict drops any cached client for groupName.
func (cache *ClientCache) Evict(groupName string) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.evictLocked(groupName)
}

// Len returns the number of cached clients.
func (cache *ClientCache) Len() int {
	return cache.cache.ItemCount()
}

func (cache *ClientCache) evictLocked(groupName string) {
	prefix := groupName + clientCacheKeyFieldSeparator
	for key, item := range cache.cache.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if client, ok := item.Object.(*Client); ok {
			client.CloseIdleConnections()
		}
		cache.cache.Delete(key)
	}
}
