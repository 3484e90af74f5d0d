// Package main builds the injectable agent library
// (go build -buildmode=c-shared). Loading the library runs the package
// initializer, which activates the agent when the PROBING environment
// allows it; this is the entry point the injector's dlopen call reaches.
package main

import "C"

import (
	"fmt"
	"os"

	"github.com/probing-io/probing/internal/agent"
)

func init() {
	env, act, err := agent.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "probing: %v\n", err)
		return
	}
	if !act.Matches(os.Args[0]) {
		return
	}
	if !act.Inherited() {
		// Children of this process start without the activation.
		_ = os.Unsetenv("PROBING")
	}
	if _, err := agent.Initialize(agent.Config{Env: env}); err != nil {
		fmt.Fprintf(os.Stderr, "probing: agent init failed: %v\n", err)
	}
}

// ProbingActive reports whether the agent is serving in this process. The
// injector does not call it: its already-loaded check matches the library
// file name in the target's memory maps.
//
//export ProbingActive
func ProbingActive() C.int {
	if agent.Current() != nil {
		return 1
	}
	return 0
}

func main() {}
