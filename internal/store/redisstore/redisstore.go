// Package redisstore persists economy records in Redis. Records are JSON
// compressed with zstd; read-modify-write updates use WATCH/MULTI and are
// retried on conflict.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/gravitas-games/homestead/internal/hex"
	"github.com/gravitas-games/homestead/internal/production"
	"github.com/gravitas-games/homestead/internal/store"
)

const maxRetries = 8

type stationMeta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Owner         string    `json:"owner"`
	Position      hex.Axial `json:"position"`
	UnlockedSlots int       `json:"unlockedSlots"`
	SlotCount     int       `json:"slotCount"`
	BuiltAt       time.Time `json:"builtAt"`
}

// Store implements store.Store on a Redis client.
type Store struct {
	l      logrus.FieldLogger
	client *redis.Client
	prefix string
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	now    func() time.Time
}

// New creates a store using keys under prefix.
func New(l logrus.FieldLogger, client *redis.Client, prefix string) (*Store, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("redisstore: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("redisstore: zstd decoder: %w", err)
	}
	return &Store{l: l, client: client, prefix: prefix, enc: enc, dec: dec, now: time.Now}, nil
}

func (s *Store) playerKey(id string) string  { return s.prefix + "player:" + id }
func (s *Store) stationKey(id string) string { return s.prefix + "station:" + id }
func (s *Store) ownerKey(id string) string   { return s.prefix + "owner:" + id + ":stations" }
func (s *Store) slotKey(id string, i int) string {
	return s.prefix + "station:" + id + ":slot:" + strconv.Itoa(i)
}

func (s *Store) encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return s.enc.EncodeAll(raw, nil), nil
}

func (s *Store) decode(data []byte, v any) error {
	raw, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// get reads and decodes key, mapping redis.Nil to store.ErrNotFound.
func (s *Store) get(ctx context.Context, c redis.Cmdable, key string, v any) error {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return store.Persistence("get "+key, err)
	}
	if err := s.decode(data, v); err != nil {
		return store.Persistence("decode "+key, err)
	}
	return nil
}

// watch runs fn in an optimistic transaction, retrying when a watched key
// changes underneath it.
func (s *Store) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.l.WithField("keys", keys).Debugf("Transaction conflict, retrying (attempt %d).", attempt+1)
	}
	return store.Persistence("watch", fmt.Errorf("too many conflicts on %v", keys))
}

// LoadPlayer implements store.PlayerStore.
func (s *Store) LoadPlayer(ctx context.Context, id string) (*store.PlayerRecord, error) {
	var rec store.PlayerRecord
	if err := s.get(ctx, s.client, s.playerKey(id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreatePlayer implements store.PlayerStore.
func (s *Store) CreatePlayer(ctx context.Context, rec *store.PlayerRecord) error {
	cp := rec.Clone()
	cp.Version = 1
	cp.UpdatedAt = s.now()
	data, err := s.encode(cp)
	if err != nil {
		return fmt.Errorf("redisstore: encode player: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.playerKey(rec.ID), data, 0).Result()
	if err != nil {
		return store.Persistence("create player", err)
	}
	if !ok {
		return fmt.Errorf("player %s: %w", rec.ID, store.ErrExists)
	}
	return nil
}

// UpdatePlayer implements store.PlayerStore.
func (s *Store) UpdatePlayer(ctx context.Context, id string, fn func(*store.PlayerRecord) error) (*store.PlayerRecord, error) {
	key := s.playerKey(id)
	var out *store.PlayerRecord
	err := s.watch(ctx, func(tx *redis.Tx) error {
		var rec store.PlayerRecord
		if err := s.get(ctx, tx, key, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.Version++
		rec.UpdatedAt = s.now()
		data, err := s.encode(&rec)
		if err != nil {
			return fmt.Errorf("redisstore: encode player: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return store.Persistence("update player", err)
		}
		out = &rec
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateStation implements store.StationStore.
func (s *Store) CreateStation(ctx context.Context, st *production.Station) error {
	meta := metaOf(st)
	data, err := s.encode(meta)
	if err != nil {
		return fmt.Errorf("redisstore: encode station: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.stationKey(st.ID), data, 0).Result()
	if err != nil {
		return store.Persistence("create station", err)
	}
	if !ok {
		return fmt.Errorf("station %s: %w", st.ID, store.ErrExists)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, sl := range st.Slots {
			if sl.Job == nil {
				continue
			}
			b, err := s.encode(sl)
			if err != nil {
				return err
			}
			p.Set(ctx, s.slotKey(st.ID, sl.Index), b, 0)
		}
		p.SAdd(ctx, s.ownerKey(st.Owner), st.ID)
		return nil
	})
	if err != nil {
		return store.Persistence("create station", err)
	}
	return nil
}

// LoadStation implements store.StationStore.
func (s *Store) LoadStation(ctx context.Context, id string) (*production.Station, error) {
	return s.loadStation(ctx, s.client, id)
}

func (s *Store) loadStation(ctx context.Context, c redis.Cmdable, id string) (*production.Station, error) {
	var meta stationMeta
	if err := s.get(ctx, c, s.stationKey(id), &meta); err != nil {
		return nil, err
	}
	st := &production.Station{
		ID:            meta.ID,
		Type:          meta.Type,
		Owner:         meta.Owner,
		Position:      meta.Position,
		UnlockedSlots: meta.UnlockedSlots,
		Slots:         make([]production.Slot, meta.SlotCount),
		BuiltAt:       meta.BuiltAt,
	}
	if meta.SlotCount == 0 {
		return st, nil
	}
	keys := make([]string, meta.SlotCount)
	for i := range keys {
		keys[i] = s.slotKey(id, i)
		st.Slots[i].Index = i
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, store.Persistence("load slots", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var sl production.Slot
		if err := s.decode([]byte(str), &sl); err != nil {
			return nil, store.Persistence("decode slot", err)
		}
		sl.Index = i
		st.Slots[i] = sl
	}
	return st, nil
}

// ListStations implements store.StationStore.
func (s *Store) ListStations(ctx context.Context, owner string) ([]*production.Station, error) {
	ids, err := s.client.SMembers(ctx, s.ownerKey(owner)).Result()
	if err != nil {
		return nil, store.Persistence("list stations", err)
	}
	out := make([]*production.Station, 0, len(ids))
	for _, id := range ids {
		st, err := s.LoadStation(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// DeleteStation implements store.StationStore.
func (s *Store) DeleteStation(ctx context.Context, id string) (*production.Station, error) {
	var out *production.Station
	err := s.watch(ctx, func(tx *redis.Tx) error {
		st, err := s.loadStation(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, s.stationKey(id))
			for i := range st.Slots {
				p.Del(ctx, s.slotKey(id, i))
			}
			p.SRem(ctx, s.ownerKey(st.Owner), id)
			return nil
		})
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return store.Persistence("delete station", err)
		}
		out = st
		return err
	}, s.stationKey(id))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateStation implements store.StationStore.
func (s *Store) UpdateStation(ctx context.Context, id string, fn func(*production.Station) error) (*production.Station, error) {
	key := s.stationKey(id)
	var out *production.Station
	err := s.watch(ctx, func(tx *redis.Tx) error {
		st, err := s.loadStation(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
		data, err := s.encode(metaOf(st))
		if err != nil {
			return fmt.Errorf("redisstore: encode station: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return store.Persistence("update station", err)
		}
		out = st
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSlot implements store.StationStore. Only the station record and the
// target slot are watched; other slots may change concurrently.
func (s *Store) UpdateSlot(ctx context.Context, id string, index int, fn func(*production.Station, *production.Slot) error) (*production.Station, error) {
	key := s.slotKey(id, index)
	var out *production.Station
	err := s.watch(ctx, func(tx *redis.Tx) error {
		st, err := s.loadStation(ctx, tx, id)
		if err != nil {
			return err
		}
		sl, err := st.Slot(index)
		if err != nil {
			return err
		}
		if err := fn(st, sl); err != nil {
			return err
		}
		sl.Index = index
		var data []byte
		if sl.Job != nil {
			if data, err = s.encode(sl); err != nil {
				return fmt.Errorf("redisstore: encode slot: %w", err)
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if data == nil {
				p.Del(ctx, key)
			} else {
				p.Set(ctx, key, data, 0)
			}
			return nil
		})
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return store.Persistence("update slot", err)
		}
		out = st
		return err
	}, s.stationKey(id), key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the compression state. The redis client is owned by the
// caller.
func (s *Store) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

func metaOf(st *production.Station) stationMeta {
	return stationMeta{
		ID:            st.ID,
		Type:          st.Type,
		Owner:         st.Owner,
		Position:      st.Position,
		UnlockedSlots: st.UnlockedSlots,
		SlotCount:     len(st.Slots),
		BuiltAt:       st.BuiltAt,
	}
}
