// Package logging contains the singleton logger that we use globally.
// It deliberately has little else since it's a dependency everywhere.
package logging

import (
	"os"

	"gopkg.in/op/go-logging.v1"
)

// Log is the singleton logger instance.
// We never alter individual levels and don't log the module name, so there
// is no need to have more than one, and it helps avoid race conditions.
var Log = logging.MustGetLogger("swarm")

// Level is a re-export of the library type.
type Level = logging.Level

// Re-exports of various log levels.
const (
	CRITICAL = logging.CRITICAL
	ERROR    = logging.ERROR
	WARNING  = logging.WARNING
	NOTICE   = logging.NOTICE
	INFO     = logging.INFO
	DEBUG    = logging.DEBUG
)

// InitLogging sets up a plain stderr backend at the given verbosity. Kept
// deliberately small compared to the donor's interactive logging backend
// (colourised levels, in-memory ring buffer for the interactive display,
// file logging) since this module's CLI front end is a thin exerciser, not
// the product (§1 "Explicitly out of scope").
func InitLogging(level Level) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.NewBackendFormatter(backend, logging.MustStringFormatter(
		"%{color}%{time:15:04:05.000} %{level:.4s}%{color:reset} %{message}",
	))
	leveled := logging.AddModuleLevel(formatter)
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
}
