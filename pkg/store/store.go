/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
)

const (
	recordPrefix    = "ws:"
	byUserPrefix    = "ws_by_user:"
	bySessionPrefix = "ws_by_session:"
	byServerPrefix  = "ws_by_server:"
	byStatusPrefix  = "ws_by_status:"
)

type Interface interface {
	Get(ctx context.Context, id string) (*types.WorkspaceRecord, error)
	Save(ctx context.Context, record *types.WorkspaceRecord) error
	Delete(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]*types.WorkspaceRecord, error)
	ListRunning(ctx context.Context) ([]*types.WorkspaceRecord, error)
	ListByUser(ctx context.Context, userId string) ([]*types.WorkspaceRecord, error)
	ListBySession(ctx context.Context, sessionId string) ([]*types.WorkspaceRecord, error)
	ListByServer(ctx context.Context, serverId string) ([]*types.WorkspaceRecord, error)
	RebuildIndexes(ctx context.Context) error
}

// Store persists workspace records in redis: one JSON blob per record plus
// secondary index sets per user, session, server and status. Writes go
// through a transactional pipeline so a blob and its indexes cannot drift
// within a single save.
type Store struct {
	client redis.UniversalClient
}

func NewStore(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, id string) (*types.WorkspaceRecord, error) {
	data, err := s.client.Get(ctx, recordPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, podexerrors.NewWorkspaceNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	record := &types.WorkspaceRecord{}
	if err = json.Unmarshal(data, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Save upserts the record and realigns every secondary index in one
// transaction.
func (s *Store) Save(ctx context.Context, record *types.WorkspaceRecord) error {
	previous, err := s.Get(ctx, record.Id)
	if err != nil && !podexerrors.IsNotFound(err) {
		return err
	}
	record.UpdatedAt = time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != nil {
			removeFromIndexes(ctx, pipe, previous)
		}
		pipe.Set(ctx, recordPrefix+record.Id, data, 0)
		addToIndexes(ctx, pipe, record)
		return nil
	})
	return err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	record, err := s.Get(ctx, id)
	if err != nil {
		if podexerrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removeFromIndexes(ctx, pipe, record)
		pipe.Del(ctx, recordPrefix+id)
		return nil
	})
	return err
}

func (s *Store) ListAll(ctx context.Context) ([]*types.WorkspaceRecord, error) {
	var result []*types.WorkspaceRecord
	iter := s.client.Scan(ctx, 0, recordPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		record, err := s.Get(ctx, iter.Val()[len(recordPrefix):])
		if err != nil {
			if podexerrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		result = append(result, record)
	}
	return result, iter.Err()
}

func (s *Store) ListRunning(ctx context.Context) ([]*types.WorkspaceRecord, error) {
	return s.listBySet(ctx, byStatusPrefix+string(types.WorkspaceRunning))
}

func (s *Store) ListByUser(ctx context.Context, userId string) ([]*types.WorkspaceRecord, error) {
	return s.listBySet(ctx, byUserPrefix+userId)
}

func (s *Store) ListBySession(ctx context.Context, sessionId string) ([]*types.WorkspaceRecord, error) {
	return s.listBySet(ctx, bySessionPrefix+sessionId)
}

func (s *Store) ListByServer(ctx context.Context, serverId string) ([]*types.WorkspaceRecord, error) {
	return s.listBySet(ctx, byServerPrefix+serverId)
}

func (s *Store) listBySet(ctx context.Context, key string) ([]*types.WorkspaceRecord, error) {
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	result := make([]*types.WorkspaceRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if err != nil {
			if podexerrors.IsNotFound(err) {
				// Index member without a blob: dropped by the next rebuild.
				continue
			}
			return nil, err
		}
		result = append(result, record)
	}
	return result, nil
}

// RebuildIndexes reconstructs every secondary set from the primary records,
// for recovery after a crash left an index stale.
func (s *Store) RebuildIndexes(ctx context.Context) error {
	records, err := s.ListAll(ctx)
	if err != nil {
		return err
	}
	iter := s.client.Scan(ctx, 0, "ws_by_*", 256).Iterator()
	var indexKeys []string
	for iter.Next(ctx) {
		indexKeys = append(indexKeys, iter.Val())
	}
	if err = iter.Err(); err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(indexKeys) > 0 {
			pipe.Del(ctx, indexKeys...)
		}
		for _, record := range records {
			addToIndexes(ctx, pipe, record)
		}
		return nil
	})
	if err == nil {
		klog.Infof("rebuilt workspace indexes from %d records", len(records))
	}
	return err
}

func addToIndexes(ctx context.Context, pipe redis.Pipeliner, record *types.WorkspaceRecord) {
	pipe.SAdd(ctx, byUserPrefix+record.UserId, record.Id)
	pipe.SAdd(ctx, bySessionPrefix+record.SessionId, record.Id)
	pipe.SAdd(ctx, byStatusPrefix+string(record.Status), record.Id)
	if record.Assigned != nil && record.Assigned.ServerId != "" {
		pipe.SAdd(ctx, byServerPrefix+record.Assigned.ServerId, record.Id)
	}
}

func removeFromIndexes(ctx context.Context, pipe redis.Pipeliner, record *types.WorkspaceRecord) {
	pipe.SRem(ctx, byUserPrefix+record.UserId, record.Id)
	pipe.SRem(ctx, bySessionPrefix+record.SessionId, record.Id)
	pipe.SRem(ctx, byStatusPrefix+string(record.Status), record.Id)
	if record.Assigned != nil && record.Assigned.ServerId != "" {
		pipe.SRem(ctx, byServerPrefix+record.Assigned.ServerId, record.Id)
	}
}
