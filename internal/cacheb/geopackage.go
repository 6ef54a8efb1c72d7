package cacheb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// go-spatialite registers the "spatialite" sql.DB driver and loads
	// libspatialite, giving the sqlite3 connection the spatial index
	// and metadata machinery a GeoPackage needs beyond plain MBTiles.
	_ "github.com/shaxbee/go-spatialite"

	"tileproxy/internal/errs"
)

// GeoPackageBackend stores tiles in the OGC GeoPackage tile table
// layout (gpkg_contents/gpkg_tile_matrix + a <table>_tiles table),
// built on top of the same insert-or-replace tile access pattern as
// SQLiteBackend but opened through the spatialite driver and with the
// GeoPackage bookkeeping tables instead of plain mbtiles metadata.
type GeoPackageBackend struct {
	BaseDir   string
	TableName string
	NumLevels func(z int) int

	db *sql.DB
}

func NewGeoPackageBackend(baseDir, tableName string, numLevels func(z int) int) *GeoPackageBackend {
	return &GeoPackageBackend{BaseDir: baseDir, TableName: tableName, NumLevels: numLevels}
}

func (b *GeoPackageBackend) open() (*sql.DB, error) {
	if b.db != nil {
		return b.db, nil
	}
	if err := os.MkdirAll(b.BaseDir, 0o755); err != nil {
		return nil, err
	}
	file := filepath.Join(b.BaseDir, b.TableName+".gpkg")
	db, err := sql.Open("spatialite", file)
	if err != nil {
		return nil, err
	}
	if err := optimizeConnection(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := b.setupTables(db); err != nil {
		db.Close()
		return nil, err
	}
	b.db = db
	return db, nil
}

func (b *GeoPackageBackend) setupTables(db *sql.DB) error {
	if _, err := db.Exec(`create table if not exists gpkg_contents (
		table_name text primary key, data_type text, identifier text, min_x double, min_y double, max_x double, max_y double
	)`); err != nil {
		return err
	}
	if _, err := db.Exec(`create table if not exists gpkg_tile_matrix (
		table_name text, zoom_level integer, matrix_width integer, matrix_height integer,
		tile_width integer, tile_height integer, pixel_x_size double, pixel_y_size double
	)`); err != nil {
		return err
	}
	stmt := fmt.Sprintf(`create table if not exists "%s_tiles" (
		id integer primary key autoincrement,
		zoom_level integer not null,
		tile_column integer not null,
		tile_row integer not null,
		tile_data blob not null
	)`, b.TableName)
	if _, err := db.Exec(stmt); err != nil {
		return err
	}
	idx := fmt.Sprintf(`create unique index if not exists "%s_tile_index" on "%s_tiles"(zoom_level, tile_column, tile_row)`, b.TableName, b.TableName)
	_, err := db.Exec(idx)
	return err
}

func (b *GeoPackageBackend) flipY(key Key) int { return b.NumLevels(key.Coord.Z) - 1 - key.Coord.Y }

func (b *GeoPackageBackend) Load(ctx context.Context, key Key) ([]byte, bool, error) {
	db, err := b.open()
	if err != nil {
		return nil, false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "geopackage", Err: err}
	}
	q := fmt.Sprintf(`select tile_data from "%s_tiles" where zoom_level=? and tile_column=? and tile_row=?`, b.TableName)
	row := db.QueryRowContext(ctx, q, key.Coord.Z, key.Coord.X, b.flipY(key))
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "geopackage", Err: err}
	}
	return data, true, nil
}

func (b *GeoPackageBackend) Store(ctx context.Context, key Key, data []byte) error {
	db, err := b.open()
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "geopackage", Err: err}
	}
	q := fmt.Sprintf(`insert or replace into "%s_tiles" (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?)`, b.TableName)
	if _, err := db.ExecContext(ctx, q, key.Coord.Z, key.Coord.X, b.flipY(key), data); err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "geopackage", Err: err}
	}
	return nil
}

func (b *GeoPackageBackend) Remove(ctx context.Context, key Key) error {
	db, err := b.open()
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "geopackage", Err: err}
	}
	q := fmt.Sprintf(`delete from "%s_tiles" where zoom_level=? and tile_column=? and tile_row=?`, b.TableName)
	if _, err := db.ExecContext(ctx, q, key.Coord.Z, key.Coord.X, b.flipY(key)); err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "geopackage", Err: err}
	}
	return nil
}

func (b *GeoPackageBackend) IsCached(ctx context.Context, key Key) (bool, error) {
	db, err := b.open()
	if err != nil {
		return false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "geopackage", Err: err}
	}
	q := fmt.Sprintf(`select 1 from "%s_tiles" where zoom_level=? and tile_column=? and tile_row=? limit 1`, b.TableName)
	var exists int
	row := db.QueryRowContext(ctx, q, key.Coord.Z, key.Coord.X, b.flipY(key))
	if err := row.Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "geopackage", Err: err}
	}
	return true, nil
}

func (b *GeoPackageBackend) LoadMany(ctx context.Context, keys []Key) (map[Key][]byte, error) {
	return EachLoad(ctx, b, keys)
}

func (b *GeoPackageBackend) Capabilities() Capabilities { return Capabilities{} }

func (b *GeoPackageBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
