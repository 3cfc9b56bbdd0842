// Package logflags turns per-layer logging on and off. Modeled after the
// usual "--log --log-output=layer1,layer2" command line surface.
package logflags

import (
	"errors"
	"io"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var eport = false
var process = false
var thread = false
var breakpoint = false
var server = false
var dso = false

func logOutput() io.Writer {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return colorable.NewColorableStderr()
	}
	return os.Stderr
}

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(logOutput())
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.PanicLevel
	}
	return logger.WithFields(fields)
}

// EPort returns true if the exception port should log packet traffic.
func EPort() bool {
	return eport
}

// EPortLogger returns a configured logger for the exception port worker.
func EPortLogger() *logrus.Entry {
	return makeLogger(eport, logrus.Fields{"layer": "eport"})
}

// Process returns true if the process state machine should log.
func Process() bool {
	return process
}

// ProcessLogger returns a logger for the process state machine.
func ProcessLogger() *logrus.Entry {
	return makeLogger(process, logrus.Fields{"layer": "process"})
}

// Thread returns true if the thread state machine should log.
func Thread() bool {
	return thread
}

// ThreadLogger returns a logger for the thread state machine.
func ThreadLogger() *logrus.Entry {
	return makeLogger(thread, logrus.Fields{"layer": "thread"})
}

// Breakpoint returns true if the breakpoint subsystem should log.
func Breakpoint() bool {
	return breakpoint
}

// BreakpointLogger returns a logger for the breakpoint subsystem.
func BreakpointLogger() *logrus.Entry {
	return makeLogger(breakpoint, logrus.Fields{"layer": "breakpoint"})
}

// Server returns true if the server glue should log.
func Server() bool {
	return server
}

// ServerLogger returns a logger for the server glue.
func ServerLogger() *logrus.Entry {
	return makeLogger(server, logrus.Fields{"layer": "server"})
}

// Dso returns true if loaded-module list handling should log.
func Dso() bool {
	return dso
}

// DsoLogger returns a logger for loaded-module list handling.
func DsoLogger() *logrus.Entry {
	return makeLogger(dso, logrus.Fields{"layer": "dso"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "server"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "eport":
			eport = true
		case "process":
			process = true
		case "thread":
			thread = true
		case "breakpoint":
			breakpoint = true
		case "server":
			server = true
		case "dso":
			dso = true
		}
	}
	return nil
}
