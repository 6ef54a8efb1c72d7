// Command tiled is the thin HTTP surface over the tile engine: it
// parses requests into tilemgr/layer calls and writes back the bytes
// and content-type those calls return. It holds no tile-fulfillment
// logic of its own -- every decision about cache hits, meta-tile
// builds or compositing happens in internal/tilemgr and internal/layer.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"tileproxy/internal/config"
	"tileproxy/internal/logging"
	"tileproxy/internal/obsv"
)

var (
	hf    bool
	cf    string
	debug bool
)

func init() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&cf, "c", "conf.toml", "set config `file`")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Usage = usage
}

func usage() {
	fmt.Fprintf(os.Stderr, `tiled - tile cache proxy
Usage: tiled [-h] [-c filename] [-debug]
`)
	flag.PrintDefaults()
}

func main() {
	flag.Parse()
	if hf {
		flag.Usage()
		return
	}
	logging.Init("tiled.log", debug)

	cfg, err := config.Load(cf)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	reg, err := config.Build(cfg)
	if err != nil {
		log.Fatalf("build: %v", err)
	}
	metrics := obsv.New()

	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ginLogger())

	h := &handlers{reg: reg, metrics: metrics}
	r.GET("/tiles/:layer/:grid/:z/:x/:y", h.getTile)
	r.GET("/service", h.service)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	addr := cfg.Globals.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	log.Infof("tiled listening on %s", addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

func ginLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.WithFields(log.Fields{
			"status": c.Writer.Status(),
			"path":   c.Request.URL.Path,
			"query":  c.Request.URL.RawQuery,
		}).Debug("request")
	}
}
