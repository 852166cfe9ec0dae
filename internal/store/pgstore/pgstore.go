// Package pgstore persists economy records in PostgreSQL through bun.
// Every update runs in a transaction that locks the affected rows with
// SELECT ... FOR UPDATE; station slots are separate rows so different
// slots are locked independently.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/gravitas-games/homestead/internal/hex"
	"github.com/gravitas-games/homestead/internal/inventory"
	"github.com/gravitas-games/homestead/internal/production"
	"github.com/gravitas-games/homestead/internal/store"
)

type playerRow struct {
	bun.BaseModel `bun:"table:economy_players"`

	ID        string            `bun:"id,pk"`
	Ledger    *inventory.Ledger `bun:"ledger,type:jsonb,notnull"`
	Skills    []string          `bun:"skills,type:jsonb,notnull"`
	Tier      int               `bun:"tier,notnull"`
	Home      hex.Axial         `bun:"home,type:jsonb,notnull"`
	Position  hex.Axial         `bun:"position,type:jsonb,notnull"`
	Version   int64             `bun:"version,notnull"`
	UpdatedAt time.Time         `bun:"updated_at,notnull"`
}

type stationRow struct {
	bun.BaseModel `bun:"table:economy_stations"`

	ID            string    `bun:"id,pk"`
	Type          string    `bun:"type,notnull"`
	Owner         string    `bun:"owner,notnull"`
	Q             int       `bun:"q,notnull"`
	R             int       `bun:"r,notnull"`
	UnlockedSlots int       `bun:"unlocked_slots,notnull"`
	SlotCount     int       `bun:"slot_count,notnull"`
	BuiltAt       time.Time `bun:"built_at,notnull"`
}

type slotRow struct {
	bun.BaseModel `bun:"table:economy_station_slots"`

	StationID string          `bun:"station_id,pk"`
	Idx       int             `bun:"idx,pk"`
	Job       *production.Job `bun:"job,type:jsonb"`
}

// Store implements store.Store on PostgreSQL.
type Store struct {
	l   logrus.FieldLogger
	db  *bun.DB
	now func() time.Time
}

// Open connects to dsn.
func Open(l logrus.FieldLogger, dsn string) *Store {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return New(l, bun.NewDB(sqldb, pgdialect.New()))
}

// New wraps an existing bun database.
func New(l logrus.FieldLogger, db *bun.DB) *Store {
	return &Store{l: l, db: db, now: time.Now}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, model := range []any{(*playerRow)(nil), (*stationRow)(nil), (*slotRow)(nil)} {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("pgstore: create table: %w", err)
		}
	}
	_, err := s.db.NewCreateIndex().Model((*stationRow)(nil)).Index("economy_stations_owner_idx").
		Column("owner").IfNotExists().Exec(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: create index: %w", err)
	}
	s.l.Debug("Economy tables migrated.")
	return nil
}

// callerError marks errors produced by update callbacks so they are not
// reported as persistence failures.
type callerError struct{ err error }

func (e callerError) Error() string { return e.err.Error() }

func (s *Store) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx bun.Tx) error) error {
	err := s.db.RunInTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, fn)
	var ce callerError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return ce.err
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExists):
		return err
	default:
		return store.Persistence(op, err)
	}
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == "23505"
}

func toRecord(r *playerRow) *store.PlayerRecord {
	return &store.PlayerRecord{
		ID:        r.ID,
		Ledger:    r.Ledger,
		Skills:    r.Skills,
		Tier:      r.Tier,
		Home:      r.Home,
		Position:  r.Position,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
}

func fromRecord(p *store.PlayerRecord) *playerRow {
	skills := p.Skills
	if skills == nil {
		skills = []string{}
	}
	return &playerRow{
		ID:        p.ID,
		Ledger:    p.Ledger,
		Skills:    skills,
		Tier:      p.Tier,
		Home:      p.Home,
		Position:  p.Position,
		Version:   p.Version,
		UpdatedAt: p.UpdatedAt,
	}
}

// LoadPlayer implements store.PlayerStore.
func (s *Store) LoadPlayer(ctx context.Context, id string) (*store.PlayerRecord, error) {
	row := new(playerRow)
	if err := s.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx); err != nil {
		if err = notFound("player", id, err); errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, store.Persistence("load player", err)
	}
	return toRecord(row), nil
}

// CreatePlayer implements store.PlayerStore.
func (s *Store) CreatePlayer(ctx context.Context, rec *store.PlayerRecord) error {
	row := fromRecord(rec)
	row.Version = 1
	row.UpdatedAt = s.now()
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("player %s: %w", rec.ID, store.ErrExists)
		}
		return store.Persistence("create player", err)
	}
	return nil
}

// UpdatePlayer implements store.PlayerStore.
func (s *Store) UpdatePlayer(ctx context.Context, id string, fn func(*store.PlayerRecord) error) (*store.PlayerRecord, error) {
	var out *store.PlayerRecord
	err := s.withTx(ctx, "update player", func(ctx context.Context, tx bun.Tx) error {
		row := new(playerRow)
		if err := tx.NewSelect().Model(row).Where("id = ?", id).For("UPDATE").Scan(ctx); err != nil {
			return notFound("player", id, err)
		}
		rec := toRecord(row)
		if err := fn(rec); err != nil {
			return callerError{err}
		}
		rec.Version = row.Version + 1
		rec.UpdatedAt = s.now()
		if _, err := tx.NewUpdate().Model(fromRecord(rec)).WherePK().Exec(ctx); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateStation implements store.StationStore.
func (s *Store) CreateStation(ctx context.Context, st *production.Station) error {
	return s.withTx(ctx, "create station", func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(stationRowOf(st)).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("station %s: %w", st.ID, store.ErrExists)
			}
			return err
		}
		rows := make([]slotRow, len(st.Slots))
		for i, sl := range st.Slots {
			rows[i] = slotRow{StationID: st.ID, Idx: i, Job: sl.Job}
		}
		if len(rows) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
}

func stationRowOf(st *production.Station) *stationRow {
	return &stationRow{
		ID:            st.ID,
		Type:          st.Type,
		Owner:         st.Owner,
		Q:             st.Position.Q,
		R:             st.Position.R,
		UnlockedSlots: st.UnlockedSlots,
		SlotCount:     len(st.Slots),
		BuiltAt:       st.BuiltAt,
	}
}

func (s *Store) assemble(ctx context.Context, db bun.IDB, row *stationRow) (*production.Station, error) {
	st := &production.Station{
		ID:            row.ID,
		Type:          row.Type,
		Owner:         row.Owner,
		Position:      hex.Axial{Q: row.Q, R: row.R},
		UnlockedSlots: row.UnlockedSlots,
		Slots:         make([]production.Slot, row.SlotCount),
		BuiltAt:       row.BuiltAt,
	}
	for i := range st.Slots {
		st.Slots[i].Index = i
	}
	var slots []slotRow
	if err := db.NewSelect().Model(&slots).Where("station_id = ?", row.ID).Order("idx").Scan(ctx); err != nil {
		return nil, err
	}
	for _, sl := range slots {
		if sl.Idx >= 0 && sl.Idx < len(st.Slots) {
			st.Slots[sl.Idx].Job = sl.Job
		}
	}
	return st, nil
}

func (s *Store) loadStation(ctx context.Context, db bun.IDB, id, lock string) (*production.Station, error) {
	row := new(stationRow)
	q := db.NewSelect().Model(row).Where("id = ?", id)
	if lock != "" {
		q = q.For(lock)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, notFound("station", id, err)
	}
	return s.assemble(ctx, db, row)
}

// LoadStation implements store.StationStore.
func (s *Store) LoadStation(ctx context.Context, id string) (*production.Station, error) {
	st, err := s.loadStation(ctx, s.db, id, "")
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, store.Persistence("load station", err)
	}
	return st, err
}

// ListStations implements store.StationStore.
func (s *Store) ListStations(ctx context.Context, owner string) ([]*production.Station, error) {
	var rows []stationRow
	if err := s.db.NewSelect().Model(&rows).Where("owner = ?", owner).Order("id").Scan(ctx); err != nil {
		return nil, store.Persistence("list stations", err)
	}
	out := make([]*production.Station, 0, len(rows))
	for i := range rows {
		st, err := s.assemble(ctx, s.db, &rows[i])
		if err != nil {
			return nil, store.Persistence("list stations", err)
		}
		out = append(out, st)
	}
	return out, nil
}

// DeleteStation implements store.StationStore.
func (s *Store) DeleteStation(ctx context.Context, id string) (*production.Station, error) {
	var out *production.Station
	err := s.withTx(ctx, "delete station", func(ctx context.Context, tx bun.Tx) error {
		st, err := s.loadStation(ctx, tx, id, "UPDATE")
		if err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*slotRow)(nil)).Where("station_id = ?", id).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*stationRow)(nil)).Where("id = ?", id).Exec(ctx); err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateStation implements store.StationStore.
func (s *Store) UpdateStation(ctx context.Context, id string, fn func(*production.Station) error) (*production.Station, error) {
	var out *production.Station
	err := s.withTx(ctx, "update station", func(ctx context.Context, tx bun.Tx) error {
		st, err := s.loadStation(ctx, tx, id, "UPDATE")
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return callerError{err}
		}
		_, err = tx.NewUpdate().Model((*stationRow)(nil)).
			Set("unlocked_slots = ?", st.UnlockedSlots).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSlot implements store.StationStore. The station row is share-locked
// so unlocks serialize with slot changes, while the slot row itself is
// locked exclusively.
func (s *Store) UpdateSlot(ctx context.Context, id string, index int, fn func(*production.Station, *production.Slot) error) (*production.Station, error) {
	var out *production.Station
	err := s.withTx(ctx, "update slot", func(ctx context.Context, tx bun.Tx) error {
		locked := new(slotRow)
		err := tx.NewSelect().Model(locked).
			Where("station_id = ? AND idx = ?", id, index).
			For("UPDATE").
			Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		st, err := s.loadStation(ctx, tx, id, "SHARE")
		if err != nil {
			return err
		}
		sl, err := st.Slot(index)
		if err != nil {
			return callerError{err}
		}
		if err := fn(st, sl); err != nil {
			return callerError{err}
		}
		_, err = tx.NewInsert().Model(&slotRow{StationID: id, Idx: index, Job: sl.Job}).
			On("CONFLICT (station_id, idx) DO UPDATE").
			Set("job = EXCLUDED.job").
			Exec(ctx)
		if err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
