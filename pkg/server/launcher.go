package server

import (
	"errors"
	"fmt"

	"github.com/cosiner/argv"

	"github.com/vsrinivas/fuchsia-sub188/pkg/inferior"
)

// SplitCommandLine parses a shell-like command line into an argument
// vector. Backticks and pipelines are rejected; the launcher starts exactly
// one program.
func SplitCommandLine(cmdline string) ([]string, error) {
	v, err := argv.Argv(cmdline,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in %q", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, errors.New("pipelines are not supported")
	}
	if len(v[0]) == 0 {
		return nil, errors.New("empty launch command")
	}
	return v[0], nil
}

// LaunchCommand splits cmdline and launches it under the server's job.
func (s *Server) LaunchCommand(cmdline string) (*inferior.Process, error) {
	args, err := SplitCommandLine(cmdline)
	if err != nil {
		return nil, err
	}
	return s.Launch(args)
}
