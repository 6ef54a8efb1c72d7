// Command mbexport migrates a zoom level's worth of tiles out of a
// MySQL-backed tile table into a SQLite/MBTiles file sharing the
// "tiles(zoom_level, tile_column, tile_row, tile_data)" schema
// internal/cacheb's SQLite backend owns. It is an ancillary migration
// tool, not part of the core cache-proxy path, since MySQL is not one
// of the engine's recognized cache backends.
package main

import (
	"database/sql"
	"flag"
	"strconv"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"tileproxy/internal/logging"
)

var (
	mysqlDSN   string
	sqlitePath string
	zoom       int
	batch      int
	workers    int
)

func init() {
	flag.StringVar(&mysqlDSN, "mysql", "", "MySQL DSN, e.g. user:pass@tcp(host:3306)/db")
	flag.StringVar(&sqlitePath, "sqlite", "", "destination SQLite/MBTiles file path")
	flag.IntVar(&zoom, "zoom", 0, "zoom level to export")
	flag.IntVar(&batch, "batch", 40000, "rows fetched per MySQL query")
	flag.IntVar(&workers, "workers", 8, "concurrent column-range fetchers")
}

// tileRow mirrors one row of the shared tiles table.
type tileRow struct {
	zoomLevel  int
	tileColumn int
	tileRow    int
	tileData   []byte
}

func main() {
	flag.Parse()
	logging.Init("mbexport.log", false)

	if mysqlDSN == "" || sqlitePath == "" {
		log.Fatal("-mysql and -sqlite are both required")
	}

	src, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		log.Fatalf("open mysql: %v", err)
	}
	defer src.Close()

	dst, err := sql.Open("sqlite3", sqlitePath)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer dst.Close()
	if err := prepareSqlite(dst); err != nil {
		log.Fatalf("prepare sqlite: %v", err)
	}

	var maxCol int
	if err := src.QueryRow("select max(tile_column) from tiles where zoom_level=?", zoom).Scan(&maxCol); err != nil {
		log.Fatalf("query max column: %v", err)
	}

	savePipe := make(chan []tileRow, 16)
	var saveWg sync.WaitGroup
	saveWg.Add(1)
	go func() {
		defer saveWg.Done()
		for rows := range savePipe {
			if err := saveRows(dst, rows); err != nil {
				log.Errorf("save batch: %v", err)
			}
		}
	}()

	colCh := make(chan int, workers)
	var fetchWg sync.WaitGroup
	for i := 0; i < workers; i++ {
		fetchWg.Add(1)
		go func() {
			defer fetchWg.Done()
			for col := range colCh {
				rows, err := fetchColumn(src, zoom, col, batch)
				if err != nil {
					log.Warnf("fetch column %d: %v", col, err)
					continue
				}
				if len(rows) > 0 {
					savePipe <- rows
				}
			}
		}()
	}

	start := time.Now()
	for col := 0; col <= maxCol; col++ {
		colCh <- col
	}
	close(colCh)
	fetchWg.Wait()
	close(savePipe)
	saveWg.Wait()

	log.Infof("export of zoom %d complete in %s", zoom, time.Since(start))
}

func prepareSqlite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA synchronous=1",
		"PRAGMA journal_mode=WAL",
		"PRAGMA page_size=4096",
		"PRAGMA cache_size=8000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	_, err := db.Exec(`create table if not exists tiles (
		zoom_level integer,
		tile_column integer,
		tile_row integer,
		tile_data blob
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`create unique index if not exists tile_index on tiles(zoom_level, tile_column, tile_row)`)
	return err
}

func fetchColumn(src *sql.DB, zoom, col, limit int) ([]tileRow, error) {
	rows, err := src.Query(
		"select zoom_level, tile_column, tile_row, tile_data from tiles where zoom_level=? and tile_column=? limit ?",
		zoom, col, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tileRow
	for rows.Next() {
		var r tileRow
		if err := rows.Scan(&r.zoomLevel, &r.tileColumn, &r.tileRow, &r.tileData); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func saveRows(db *sql.DB, rows []tileRow) error {
	start := time.Now()
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`insert or ignore into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.zoomLevel, r.tileColumn, r.tileRow, r.tileData); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Infof("column %s: %d rows saved in %s", strconv.Itoa(rows[0].tileColumn), len(rows), time.Since(start))
	return nil
}
