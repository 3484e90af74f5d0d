package cli

import (
	"github.com/spf13/cobra"

	"github.com/probing-io/probing/internal/cluster"
)

func newClusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Operate across a distributed job's agents",
	}
	cmd.AddCommand(newClusterAttachCmd())
	return cmd
}

func newClusterAttachCmd() *cobra.Command {
	var directory string
	var query string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Connect to every agent registered in the peer directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			peers, err := cluster.Peers(cmd.Context(), directory)
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				cmd.Println("no peers registered")
				return nil
			}
			for _, peer := range peers {
				c, err := connect(0, peer.Endpoint)
				if err != nil {
					errColor.Printf("rank %d (pid %d): unreachable: %v\n", peer.Rank, peer.PID, err)
					continue
				}
				headerColor.Printf("rank %d (pid %d) %s\n", peer.Rank, peer.PID, peer.Endpoint)
				if query != "" {
					res, err := c.Query(query)
					if err != nil {
						errColor.Printf("  query failed: %v\n", err)
					} else {
						printResult(res)
					}
				}
				_ = c.Close()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&directory, "directory", "", "peer directory URL")
	cmd.Flags().StringVar(&query, "query", "", "SQL to run on every peer")
	_ = cmd.MarkFlagRequired("directory")
	return cmd
}
