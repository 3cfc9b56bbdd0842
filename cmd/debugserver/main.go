package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	sys "golang.org/x/sys/unix"

	"github.com/vsrinivas/fuchsia-sub188/pkg/arch"
	"github.com/vsrinivas/fuchsia-sub188/pkg/config"
	"github.com/vsrinivas/fuchsia-sub188/pkg/logflags"
	"github.com/vsrinivas/fuchsia-sub188/pkg/server"
	"github.com/vsrinivas/fuchsia-sub188/pkg/version"
	"github.com/vsrinivas/fuchsia-sub188/pkg/zx"
)

var (
	logFlag        bool
	logOutput      string
	killOnShutdown bool
)

func main() {
	rootCommand := &cobra.Command{
		Use:   "debugserver",
		Short: "debugserver attaches to processes and services their exceptions.",
	}
	rootCommand.PersistentFlags().BoolVarP(&logFlag, "log", "", false, "Enable debugging server logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of layers to log (eport,process,thread,breakpoint,server,dso).")
	rootCommand.PersistentFlags().BoolVarP(&killOnShutdown, "kill-on-shutdown", "", false, "Kill launched inferiors on shutdown instead of detaching.")

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("debugserver %s\n%s\n", version.DebugserverVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	runCommand := &cobra.Command{
		Use:   "run <command...>",
		Short: "Launch a program and service its exceptions.",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(func(s *server.Server) error {
				_, err := s.LaunchCommand(strings.Join(args, " "))
				return err
			}))
		},
	}
	rootCommand.AddCommand(runCommand)

	attachCommand := &cobra.Command{
		Use:   "attach <koid>",
		Short: "Attach to a running process by koid.",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			koid, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid koid %q: %v\n", args[0], err)
				os.Exit(1)
			}
			os.Exit(execute(func(s *server.Server) error {
				_, err := s.Attach(zx.Koid(koid))
				return err
			}))
		},
	}
	rootCommand.AddCommand(attachCommand)

	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

func targetArch() arch.Arch {
	if runtime.GOARCH == "arm64" {
		return arch.ARM64Arch()
	}
	return arch.AMD64Arch()
}

// execute builds a server, schedules start on the control plane, and runs
// the event loop until a signal or a start failure shuts it down.
func execute(start func(*server.Server) error) int {
	conf := config.LoadConfig()
	lf, lo := logFlag, logOutput
	if conf.Log && !lf {
		lf = true
	}
	if lo == "" {
		lo = conf.LogOutput
	}
	if err := logflags.Setup(lf, lo); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	job, err := zx.DefaultJob()
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening default job: %v\n", err)
		return 1
	}

	s := server.New(server.Config{
		Job:              job,
		Arch:             targetArch(),
		MemoryCacheLines: conf.MemoryCacheLines,
		KillOnShutdown:   killOnShutdown || conf.KillOnDetach,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sys.SIGINT, sys.SIGTERM)
	go func() {
		<-sigCh
		s.Shutdown()
	}()

	status := 0
	// The start task runs once the control plane is draining; a failure
	// tears the server down from a separate goroutine because Shutdown
	// must not run on the control plane itself.
	if err := s.Dispatcher().PostTask(func() {
		if err := start(s); err != nil {
			fmt.Fprintln(os.Stderr, err)
			status = 1
			go s.Shutdown()
		}
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if err := s.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return status
}
