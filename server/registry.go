// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"time"
)

// RegistryReader is the read side of the shared registry.
type RegistryReader interface {
	Members(ctx context.Context, key string) ([]string, error)
	Card(ctx context.Context, key string) (int64, error)
	IsMember(ctx context.Context, key, member string) (bool, error)
	// Get returns the string value at key, and false if the key does not exist.
	Get(ctx context.Context, key string) (string, bool, error)
	// ExistsMany checks every key in a single round trip.
	ExistsMany(ctx context.Context, keys []string) ([]bool, error)
	// MembersMany reads every set in a single round trip. Failures are reported per key.
	MembersMany(ctx context.Context, keys []string) ([]SetResult, error)
}

// Registry is the shared store holding presence sets, reverse entries, last seen markers and block caches.
// All multi-key updates go through a RegistryBatch and are applied atomically.
type Registry interface {
	RegistryReader

	// Exec applies the batch atomically.
	Exec(ctx context.Context, batch *RegistryBatch) error
	// Watch runs fn with the given keys watched, then applies the batch fn filled atomically.
	// If any watched key changed in between, fn is run again. An empty batch applies nothing.
	// ErrRegistryConflict is returned once the retries are exhausted.
	Watch(ctx context.Context, fn func(view RegistryReader, batch *RegistryBatch) error, keys ...string) error

	Ping(ctx context.Context) error
	Close() error
}

// SetResult is the outcome of reading a single set in a MembersMany batch.
type SetResult struct {
	Members []string
	Err     error
}

type RegistryOpKind uint8

const (
	RegistryOpSAdd RegistryOpKind = iota
	RegistryOpSRem
	RegistryOpSet
	RegistryOpDel
	RegistryOpExpire
)

type RegistryOp struct {
	Kind    RegistryOpKind
	Key     string
	Members []string
	Value   string
	TTL     time.Duration
}

// RegistryBatch collects writes that must be applied together.
type RegistryBatch struct {
	ops []*RegistryOp
}

func NewRegistryBatch() *RegistryBatch {
	return &RegistryBatch{ops: make([]*RegistryOp, 0, 4)}
}

func (b *RegistryBatch) SAdd(key string, members ...string) *RegistryBatch {
	b.ops = append(b.ops, &RegistryOp{Kind: RegistryOpSAdd, Key: key, Members: members})
	return b
}

func (b *RegistryBatch) SRem(key string, members ...string) *RegistryBatch {
	b.ops = append(b.ops, &RegistryOp{Kind: RegistryOpSRem, Key: key, Members: members})
	return b
}

// Set writes a string value. A zero ttl keeps the key until deleted.
func (b *RegistryBatch) Set(key, value string, ttl time.Duration) *RegistryBatch {
	b.ops = append(b.ops, &RegistryOp{Kind: RegistryOpSet, Key: key, Value: value, TTL: ttl})
	return b
}

func (b *RegistryBatch) Del(keys ...string) *RegistryBatch {
	for _, key := range keys {
		b.ops = append(b.ops, &RegistryOp{Kind: RegistryOpDel, Key: key})
	}
	return b
}

func (b *RegistryBatch) Expire(key string, ttl time.Duration) *RegistryBatch {
	b.ops = append(b.ops, &RegistryOp{Kind: RegistryOpExpire, Key: key, TTL: ttl})
	return b
}

func (b *RegistryBatch) Ops() []*RegistryOp {
	return b.ops
}

func (b *RegistryBatch) Len() int {
	return len(b.ops)
}

// RegistryKeys builds the registry key layout under a common prefix.
type RegistryKeys struct {
	prefix string
}

func NewRegistryKeys(prefix string) RegistryKeys {
	return RegistryKeys{prefix: prefix}
}

// Online is the set of live connection ids of a user.
func (k RegistryKeys) Online(userID string) string {
	return k.prefix + ":online:" + userID
}

// OnlineUsers is the set of users with at least one live connection.
func (k RegistryKeys) OnlineUsers() string {
	return k.prefix + ":online_users"
}

// Socket maps a connection id back to its user.
func (k RegistryKeys) Socket(connectionID string) string {
	return k.prefix + ":socket:" + connectionID
}

func (k RegistryKeys) LastSeen(userID string) string {
	return k.prefix + ":last_seen:" + userID
}

// Blocked caches the ids a user has blocked.
func (k RegistryKeys) Blocked(userID string) string {
	return k.prefix + ":blocked:" + userID
}
