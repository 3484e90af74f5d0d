package cli

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/probing-io/probing/internal/discovery"
	"github.com/probing-io/probing/internal/errors"
	"github.com/probing-io/probing/internal/logging"
	"github.com/probing-io/probing/internal/proto"
)

// RegisterCommands attaches every subcommand to the root.
func RegisterCommands(root *cobra.Command) {
	root.AddCommand(
		newInjectCmd(),
		newListCmd(),
		newConfigCmd(),
		newBacktraceCmd(),
		newEvalCmd(),
		newQueryCmd(),
		newLaunchCmd(),
		newClusterCmd(),
	)
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List injected processes discovered on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := discoveryDir()
			if err != nil {
				return err
			}
			recs, err := discovery.List(dir)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				cmd.Println("no injected processes")
				return nil
			}
			headerColor.Printf("%-8s  %-40s  %s\n", "PID", "ENDPOINT", "STARTED")
			for _, rec := range recs {
				fmt.Printf("%-8d  %-40s  %s\n", rec.PID, rec.Endpoint,
					rec.StartedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func newQueryCmd() *cobra.Command {
	var pid int
	var endpoint string
	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a SQL query against an injected agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(pid, endpoint)
			if err != nil {
				return err
			}
			defer errors.DeferClose(logging.New(logging.DefaultConfig()), c, "close client")
			res, err := c.Query(args[0])
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	}
	addTargetFlags(cmd, &pid, &endpoint)
	return cmd
}

func newEvalCmd() *cobra.Command {
	var pid int
	var endpoint string
	cmd := &cobra.Command{
		Use:   "eval <code>",
		Short: "Evaluate code inside the target's interpreter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(pid, endpoint)
			if err != nil {
				return err
			}
			defer c.Close()
			out, err := c.Eval(args[0])
			if err != nil {
				return err
			}
			if len(out) > 0 {
				cmd.Print(string(out))
			}
			return nil
		},
	}
	addTargetFlags(cmd, &pid, &endpoint)
	return cmd
}

func newBacktraceCmd() *cobra.Command {
	var pid int
	var endpoint string
	var tid int64
	cmd := &cobra.Command{
		Use:   "backtrace",
		Short: "Capture the target's call stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(pid, endpoint)
			if err != nil {
				return err
			}
			defer c.Close()
			res, err := c.Backtrace(tid)
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	}
	addTargetFlags(cmd, &pid, &endpoint)
	cmd.Flags().Int64Var(&tid, "tid", 0, "thread to capture (default: main thread)")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var pid int
	var endpoint string
	var sets []string
	var pattern string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get or set agent options",
		RunE: func(cmd *cobra.Command, args []string) error {
			kvs, err := parseSets(sets)
			if err != nil {
				return err
			}
			if pattern == "" && len(kvs) == 0 {
				pattern = "%"
			}
			c, err := connect(pid, endpoint)
			if err != nil {
				return err
			}
			defer c.Close()
			res, err := c.Config(kvs, pattern)
			if err != nil {
				return err
			}
			if pattern != "" {
				printResult(res)
			}
			return nil
		},
	}
	addTargetFlags(cmd, &pid, &endpoint)
	cmd.Flags().StringArrayVar(&sets, "set", nil, "option to set (key=value, repeatable)")
	cmd.Flags().StringVar(&pattern, "list", "", "list options matching a LIKE pattern")
	return cmd
}

func newLaunchCmd() *cobra.Command {
	var library string
	cmd := &cobra.Command{
		Use:   "launch -- <command> [args...]",
		Short: "Launch a command with the agent activated from the start",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			child := exec.Command(args[0], args[1:]...)
			child.Stdin = os.Stdin
			child.Stdout = os.Stdout
			child.Stderr = os.Stderr
			child.Env = append(os.Environ(), "PROBING=followed")
			if library != "" {
				child.Env = append(child.Env, "LD_PRELOAD="+library)
			}
			if err := child.Run(); err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					os.Exit(exitErr.ExitCode())
				}
				return proto.Errorf(proto.CatTargetUnreachable, "launch %s: %v", args[0], err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&library, "library", "", "agent library to preload")
	return cmd
}

func addTargetFlags(cmd *cobra.Command, pid *int, endpoint *string) {
	cmd.Flags().IntVarP(pid, "pid", "p", 0, "target process id")
	cmd.Flags().StringVar(endpoint, "endpoint", "", "explicit endpoint (socket path or host:port)")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if *pid == 0 && *endpoint == "" {
			// A single discovered process is an unambiguous default.
			dir, err := discoveryDir()
			if err != nil {
				return err
			}
			recs, err := discovery.List(dir)
			if err == nil && len(recs) == 1 {
				*pid = recs[0].PID
				return nil
			}
			return fmt.Errorf("--pid or --endpoint required (found %d injected processes)", len(recs))
		}
		return nil
	}
}
