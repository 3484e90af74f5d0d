// Package main runs the agent standalone, outside an embedding host. The
// production path loads the agent as a shared library via the injector;
// this binary serves development and the end-to-end tests.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/probing-io/probing/internal/agent"
)

func main() {
	env, act, err := agent.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if act.Mode == agent.ActivationOff {
		// Standalone runs imply activation.
		act.Mode = agent.ActivationFollowed
	}

	a, err := agent.Initialize(agent.Config{Env: env})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer a.Shutdown()

	fmt.Printf("probing agent listening on %s (pid %d)\n", a.Endpoint(), os.Getpid())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
