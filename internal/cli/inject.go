//go:build linux

package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/probing-io/probing/internal/inject"
	"github.com/probing-io/probing/internal/logging"
	"github.com/probing-io/probing/internal/proto"
)

func newInjectCmd() *cobra.Command {
	var library string
	var sets []string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "inject <pid>",
		Short: "Inject the agent library into a running process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePid(args[0])
			if err != nil {
				return err
			}
			kvs, err := parseSets(sets)
			if err != nil {
				return err
			}

			logCfg := logging.DefaultConfig()
			logCfg.Pretty = true
			if verbose {
				logCfg.Level = "debug"
			}
			logger := logging.New(logCfg)

			inj, err := inject.New(pid, logger)
			if err != nil {
				return err
			}
			env := make(map[string]string, len(kvs)+1)
			env["PROBING"] = "followed"
			for _, kv := range kvs {
				env[optionEnvName(kv.Key)] = kv.Value
			}
			err = inj.AttachAndInject(library, env)
			if errors.Is(err, inject.ErrAlreadyLoaded) {
				// Idempotent re-injection: apply the options over the
				// existing command endpoint.
				cmd.Println("agent already loaded, updating options")
				c, err := connect(pid, "")
				if err != nil {
					return err
				}
				defer c.Close()
				return c.Inject(kvs)
			}
			if err != nil {
				return err
			}
			cmd.Printf("agent injected into %d\n", pid)
			return nil
		},
	}
	cmd.Flags().StringVar(&library, "library", defaultLibraryPath, "agent shared library")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "initial option (key=value, repeatable)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

const defaultLibraryPath = "/usr/lib/probing/libprobing.so"

// optionEnvName maps a dotted option key to the environment variable the
// agent reads at init (script.sampler.interval_ms →
// PROBING_SCRIPT_SAMPLER_INTERVAL_MS). Keys already in env form pass
// through.
func optionEnvName(key string) string {
	upper := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if strings.HasPrefix(upper, "PROBING") {
		return upper
	}
	return "PROBING_" + upper
}

func parsePid(s string) (int, error) {
	var pid int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, proto.Errorf(proto.CatBadRequest, "invalid pid %q", s)
		}
		pid = pid*10 + int(c-'0')
	}
	if pid == 0 {
		return 0, proto.Errorf(proto.CatBadRequest, "invalid pid %q", s)
	}
	return pid, nil
}
