package cacheb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"tileproxy/internal/errs"
)

// SQLiteBackend stores tiles in a "tiles(zoom_level, tile_column,
// tile_row, tile_data)" table, the schema mbtiles files use. Two
// cache types share this implementation:
//   - "mbtiles": one database file for the whole layer.
//   - "sqlite": one database file per zoom level (PerLevel=true),
//     named "<FilePrefix>-<z>.sqlite".
//
// Row addressing uses TMS Y, flipped from the grid's own origin.
type SQLiteBackend struct {
	BaseDir    string
	FilePrefix string
	PerLevel   bool
	NumLevels  func(z int) int

	dbs map[int]*sql.DB // keyed by 0 when !PerLevel
}

func NewSQLiteBackend(baseDir, filePrefix string, perLevel bool, numLevels func(z int) int) *SQLiteBackend {
	return &SQLiteBackend{
		BaseDir:    baseDir,
		FilePrefix: filePrefix,
		PerLevel:   perLevel,
		NumLevels:  numLevels,
		dbs:        make(map[int]*sql.DB),
	}
}

func (b *SQLiteBackend) dbFor(z int) (*sql.DB, error) {
	idx := 0
	if b.PerLevel {
		idx = z
	}
	if db, ok := b.dbs[idx]; ok {
		return db, nil
	}
	if err := os.MkdirAll(b.BaseDir, 0o755); err != nil {
		return nil, err
	}
	var file string
	if b.PerLevel {
		file = filepath.Join(b.BaseDir, fmt.Sprintf("%s-%d.sqlite", b.FilePrefix, z))
	} else {
		file = filepath.Join(b.BaseDir, b.FilePrefix+".mbtiles")
	}
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, err
	}
	if err := optimizeConnection(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := setupTileTable(db); err != nil {
		db.Close()
		return nil, err
	}
	b.dbs[idx] = db
	return db, nil
}

// optimizeConnection applies WAL-friendly pragmas so this backend can
// serve concurrent readers while writes are still in flight.
func optimizeConnection(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}

func setupTileTable(db *sql.DB) error {
	if _, err := db.Exec(`create table if not exists tiles (
		zoom_level integer,
		tile_column integer,
		tile_row integer,
		tile_data blob
	)`); err != nil {
		return err
	}
	_, err := db.Exec(`create unique index if not exists tile_index on tiles(zoom_level, tile_column, tile_row)`)
	return err
}

func (b *SQLiteBackend) flipY(key Key) int {
	n := b.NumLevels(key.Coord.Z)
	return n - 1 - key.Coord.Y
}

func (b *SQLiteBackend) Load(ctx context.Context, key Key) ([]byte, bool, error) {
	db, err := b.dbFor(key.Coord.Z)
	if err != nil {
		return nil, false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "sqlite", Err: err}
	}
	row := db.QueryRowContext(ctx,
		`select tile_data from tiles where zoom_level=? and tile_column=? and tile_row=?`,
		key.Coord.Z, key.Coord.X, b.flipY(key))
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "sqlite", Err: err}
	}
	return data, true, nil
}

func (b *SQLiteBackend) Store(ctx context.Context, key Key, data []byte) error {
	db, err := b.dbFor(key.Coord.Z)
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "sqlite", Err: err}
	}
	_, err = db.ExecContext(ctx,
		`insert or replace into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?)`,
		key.Coord.Z, key.Coord.X, b.flipY(key), data)
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "sqlite", Err: err}
	}
	return nil
}

// StoreMany batches inserts in a single transaction, generalizing the
// teacher's savePipe/saveToMBTile batching (there keyed off a channel
// of fixed size task.savePipeSize) into an explicit bulk call. The Tile
// Manager does not call it.
func (b *SQLiteBackend) StoreMany(ctx context.Context, items map[Key][]byte) error {
	byLevel := make(map[int][]Key)
	for k := range items {
		byLevel[k.Coord.Z] = append(byLevel[k.Coord.Z], k)
	}
	for z, keys := range byLevel {
		db, err := b.dbFor(z)
		if err != nil {
			return &errs.CacheError{Kind: errs.CacheIOError, Backend: "sqlite", Err: err}
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return &errs.CacheError{Kind: errs.CacheIOError, Backend: "sqlite", Err: err}
		}
		stmt, err := tx.PrepareContext(ctx, `insert or replace into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?)`)
		if err != nil {
			tx.Rollback()
			return &errs.CacheError{Kind: errs.CacheIOError, Backend: "sqlite", Err: err}
		}
		for _, k := range keys {
			if _, err := stmt.ExecContext(ctx, k.Coord.Z, k.Coord.X, b.flipY(k), items[k]); err != nil {
				stmt.Close()
				tx.Rollback()
				return &errs.CacheError{Kind: errs.CacheIOError, Backend: "sqlite", Err: err}
			}
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return &errs.CacheError{Kind: errs.CacheIOError, Backend: "sqlite", Err: err}
		}
	}
	return nil
}

func (b *SQLiteBackend) Remove(ctx context.Context, key Key) error {
	db, err := b.dbFor(key.Coord.Z)
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "sqlite", Err: err}
	}
	_, err = db.ExecContext(ctx, `delete from tiles where zoom_level=? and tile_column=? and tile_row=?`,
		key.Coord.Z, key.Coord.X, b.flipY(key))
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "sqlite", Err: err}
	}
	return nil
}

func (b *SQLiteBackend) IsCached(ctx context.Context, key Key) (bool, error) {
	db, err := b.dbFor(key.Coord.Z)
	if err != nil {
		return false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "sqlite", Err: err}
	}
	var exists int
	row := db.QueryRowContext(ctx, `select 1 from tiles where zoom_level=? and tile_column=? and tile_row=? limit 1`,
		key.Coord.Z, key.Coord.X, b.flipY(key))
	if err := row.Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "sqlite", Err: err}
	}
	return true, nil
}

func (b *SQLiteBackend) LoadMany(ctx context.Context, keys []Key) (map[Key][]byte, error) {
	return EachLoad(ctx, b, keys)
}

func (b *SQLiteBackend) Capabilities() Capabilities {
	return Capabilities{SupportsBulk: true}
}

func (b *SQLiteBackend) Close() error {
	var first error
	for _, db := range b.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WriteMetadata loads the mbtiles metadata table, mirroring the
// teacher's MetaItems()/insert-or-ignore pattern in SetupMBTileTables.
func (b *SQLiteBackend) WriteMetadata(ctx context.Context, meta map[string]string) error {
	db, err := b.dbFor(0)
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "sqlite", Err: err}
	}
	if _, err := db.ExecContext(ctx, `create table if not exists metadata (name text, value text)`); err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "sqlite", Err: err}
	}
	db.ExecContext(ctx, `create unique index if not exists name on metadata (name)`)
	for k, v := range meta {
		if _, err := db.ExecContext(ctx, `insert or ignore into metadata (name, value) values (?, ?)`, k, v); err != nil {
			return &errs.CacheError{Kind: errs.CacheIOError, Backend: "sqlite", Err: err}
		}
	}
	return nil
}
