// Package cli implements the probing command-line front-end: inject,
// list, config, backtrace, eval, query, launch, and cluster attach.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/probing-io/probing/internal/client"
	"github.com/probing-io/probing/internal/discovery"
	"github.com/probing-io/probing/internal/privilege"
	"github.com/probing-io/probing/internal/proto"
)

// Exit codes of the CLI surface.
const (
	ExitOK          = 0
	ExitUserError   = 1
	ExitUnreachable = 2
	ExitAuthFailed  = 3
)

// ExitCodeFor maps an error to the documented exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	switch proto.CategoryOf(err) {
	case proto.CatTargetUnreachable, proto.CatPermission:
		return ExitUnreachable
	case proto.CatAuthRequired, proto.CatForbidden:
		return ExitAuthFailed
	default:
		return ExitUserError
	}
}

// discoveryDir resolves the per-user discovery directory, following the
// original user under sudo so an escalated inject still finds agents the
// invoking user started.
func discoveryDir() (string, error) {
	uc, err := privilege.DetectOriginalUser()
	if err != nil {
		return discovery.Dir()
	}
	return discovery.DirFor(uc.UID)
}

// connect dials the agent serving the given pid (via the discovery
// directory) or an explicit endpoint, attaching credentials from the
// environment.
func connect(pid int, endpoint string) (*client.Client, error) {
	network := "unix"
	if endpoint == "" {
		dir, err := discoveryDir()
		if err != nil {
			return nil, err
		}
		rec, err := discovery.Read(dir, pid)
		if err != nil {
			return nil, proto.Errorf(proto.CatTargetUnreachable,
				"no injected agent found for pid %d (try 'probing inject' first)", pid)
		}
		endpoint = rec.Endpoint
	} else if strings.Contains(endpoint, ":") && !strings.HasPrefix(endpoint, "/") {
		network = "tcp"
	}
	c, err := client.Dial(network, endpoint)
	if err != nil {
		return nil, err
	}
	if token := os.Getenv("PROBING_AUTH_TOKEN"); token != "" {
		c.SetBearerToken(token)
	}
	return c, nil
}

var (
	headerColor = color.New(color.Bold)
	errColor    = color.New(color.FgRed)
)

// printResult renders a tabular result.
func printResult(res *client.Result) {
	if len(res.Schema.Fields) == 0 {
		fmt.Println("ok")
		return
	}
	names := make([]string, len(res.Schema.Fields))
	widths := make([]int, len(res.Schema.Fields))
	for i, f := range res.Schema.Fields {
		names[i] = f.Name
		widths[i] = len(f.Name)
	}
	rows := make([][]string, res.Rows())
	for i := 0; i < res.Rows(); i++ {
		vals := res.Row(i)
		row := make([]string, len(vals))
		for j, v := range vals {
			row[j] = v.Display()
			if len(row[j]) > widths[j] {
				widths[j] = len(row[j])
			}
		}
		rows[i] = row
	}
	for i, name := range names {
		headerColor.Printf("%-*s  ", widths[i], name)
	}
	fmt.Println()
	for _, row := range rows {
		for j, cell := range row {
			fmt.Printf("%-*s  ", widths[j], cell)
		}
		fmt.Println()
	}
}

// parseSets parses repeated key=value flags.
func parseSets(pairs []string) ([]proto.KV, error) {
	sets := make([]proto.KV, 0, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		sets = append(sets, proto.KV{Key: k, Value: v})
	}
	return sets, nil
}

// fail prints an error and returns its exit code.
func fail(err error) int {
	errColor.Fprintf(os.Stderr, "Error: %v\n", err)
	return ExitCodeFor(err)
}
