// Command seed is the offline seeding driver: it walks a layer's
// coverage across a level range and calls the same
// tilemgr.Manager.GetMap operation a live request would, so seeding and
// serving share one code path. Progress is checkpointed to a JSON file
// so a killed run can be resumed with -continue.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"

	pb "github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"tileproxy/internal/config"
	"tileproxy/internal/coverage"
	"tileproxy/internal/grid"
	"tileproxy/internal/logging"
	"tileproxy/internal/tilemgr"
)

var (
	cf           string
	layerName    string
	minLevel     int
	maxLevel     int
	coverageFile string
	workers      int
	progressFile string
	doContinue   bool
)

func init() {
	flag.StringVar(&cf, "c", "conf.toml", "set config `file`")
	flag.StringVar(&layerName, "layer", "", "layer name to seed")
	flag.IntVar(&minLevel, "min", 0, "minimum zoom level")
	flag.IntVar(&maxLevel, "max", 0, "maximum zoom level")
	flag.StringVar(&coverageFile, "coverage", "", "optional GeoJSON file restricting seeding to a coverage")
	flag.IntVar(&workers, "workers", 4, "number of concurrent seed workers")
	flag.StringVar(&progressFile, "progress", "", "progress file path, defaults to seed-<layer>.json")
	flag.BoolVar(&doContinue, "continue", false, "resume from an existing progress file")
}

// progress is the on-disk checkpoint: the set of "z/x/y" tile keys
// already rendered, tagged with a task ID and the layer name.
// loadProgress discards a file recorded for a different layer; the
// task ID is only reported in the log.
type progress struct {
	TaskID string          `json:"task_id"`
	Layer  string          `json:"layer"`
	Done   map[string]bool `json:"done"`
}

func loadProgress(path, layer string) *progress {
	if path == "" {
		return &progress{TaskID: uuid.New().String(), Layer: layer, Done: map[string]bool{}}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &progress{TaskID: uuid.New().String(), Layer: layer, Done: map[string]bool{}}
	}
	var p progress
	if err := json.Unmarshal(data, &p); err != nil || p.Layer != layer {
		return &progress{TaskID: uuid.New().String(), Layer: layer, Done: map[string]bool{}}
	}
	return &p
}

func (p *progress) save(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func tileKey(c grid.Coord) string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

func main() {
	flag.Parse()
	logging.Init("", true)

	if layerName == "" {
		log.Fatal("-layer is required")
	}
	if progressFile == "" {
		progressFile = fmt.Sprintf("seed-%s.json", layerName)
	}

	cfg, err := config.Load(cf)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	reg, err := config.Build(cfg)
	if err != nil {
		log.Fatalf("build: %v", err)
	}
	mgr, ok := reg.Managers[layerName]
	if !ok {
		log.Fatalf("unknown layer %s", layerName)
	}

	cov, err := resolveCoverage(mgr, coverageFile)
	if err != nil {
		log.Fatalf("coverage: %v", err)
	}

	var prog *progress
	if doContinue {
		prog = loadProgress(progressFile, layerName)
	} else {
		prog = &progress{TaskID: uuid.New().String(), Layer: layerName, Done: map[string]bool{}}
	}

	var allCoords []grid.Coord
	for z := minLevel; z <= maxLevel; z++ {
		coords, err := mgr.Grid.TilesForBBox(cov.Bound(), z)
		if err != nil {
			log.Fatalf("enumerate level %d: %v", z, err)
		}
		for _, c := range coords {
			tb, err := mgr.Grid.TileBBox(c)
			if err != nil {
				continue
			}
			if !cov.Intersects(tb) {
				continue
			}
			if prog.Done[tileKey(c)] {
				continue
			}
			allCoords = append(allCoords, c)
		}
	}

	log.Infof("seeding %d tiles for layer %s (task %s)", len(allCoords), layerName, prog.TaskID)
	bar := pb.StartNew(len(allCoords))

	var mu sync.Mutex
	jobs := make(chan grid.Coord)
	var wg sync.WaitGroup
	ctx := context.Background()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				tb, err := mgr.Grid.TileBBox(c)
				if err != nil {
					bar.Increment()
					continue
				}
				if _, err := mgr.GetMap(ctx, tb, mgr.Grid.SRS, mgr.Grid.TileWidth, mgr.Grid.TileHeight); err != nil {
					log.Warnf("seed %s failed: %v", tileKey(c), err)
					bar.Increment()
					continue
				}
				mu.Lock()
				prog.Done[tileKey(c)] = true
				if len(prog.Done)%50 == 0 {
					_ = prog.save(progressFile)
				}
				mu.Unlock()
				bar.Increment()
			}
		}()
	}
	for _, c := range allCoords {
		jobs <- c
	}
	close(jobs)
	wg.Wait()
	bar.Finish()

	if err := prog.save(progressFile); err != nil {
		log.Warnf("failed to save final progress: %v", err)
	}
	log.Infof("seeding complete for layer %s", layerName)
}

func resolveCoverage(mgr *tilemgr.Manager, path string) (coverage.Coverage, error) {
	if path == "" {
		return coverage.FromBbox(mgr.Grid.SRS, mgr.Grid.Bbox), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return coverage.Coverage{}, err
	}
	return coverage.FromGeoJSON(mgr.Grid.SRS, data)
}
