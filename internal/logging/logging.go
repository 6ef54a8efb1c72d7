// Package logging configures the process-wide logrus logger: a nested
// formatter, millisecond timestamps, and simultaneous file+stderr
// output.
package logging

import (
	"io"
	"os"

	nested "github.com/antonfisher/nested-logrus-formatter"
	log "github.com/sirupsen/logrus"
)

// Init configures the standard logrus logger. logFile may be empty, in
// which case only stderr is used.
func Init(logFile string, debug bool) {
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	if logFile == "" {
		log.SetOutput(os.Stderr)
		return
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Warnf("failed to log to file %s: %v", logFile, err)
		return
	}
	log.SetOutput(io.MultiWriter(f, os.Stderr))
}
