//go:build !linux

package cli

import (
	"github.com/spf13/cobra"

	"github.com/probing-io/probing/internal/proto"
)

func newInjectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inject <pid>",
		Short: "Inject the agent library into a running process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return proto.Errorf(proto.CatUnsupported, "injection requires linux ptrace")
		},
	}
}
