// Command loadtest drives synthetic traffic against a relay.
//
//	loadtest saturate [flags]   hold N authenticated idle connections
//	loadtest exchange [flags]   pairs of users trade messages; reports delivery latency
//
// Tokens are signed with -secret, which defaults to $JWT_SECRET.
package main

import (
	"fmt"
	"os"
	"sort"
)

var commands = map[string]struct {
	run  func(args []string)
	help string
}{
	"saturate": {runSaturate, "hold N authenticated idle connections"},
	"exchange": {runExchange, "pairs of users trade messages; reports delivery latency"},
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		usage(os.Stdout)
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "loadtest: unknown command %q\n\n", name)
		usage(os.Stderr)
		os.Exit(1)
	}
	cmd.run(os.Args[2:])
}

func usage(w *os.File) {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "usage: loadtest <command> [flags]")
	fmt.Fprintln(w)
	for _, n := range names {
		fmt.Fprintf(w, "  %-10s %s\n", n, commands[n].help)
	}
	fmt.Fprintln(w, "\nSee 'loadtest <command> -h' for flags.")
}
