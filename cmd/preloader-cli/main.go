// preloader-cli forwards a command line to the preloader daemon.
//
// Usage:
//
//	preloader-cli [-p <port>] <program> <program-arguments...>
//
// Renamed or symlinked to anything else, it forwards its own argv
// untouched — argv[0] becomes the program name — so a build system can
// point "cc" at the client and never know the difference. The process
// exits with the served child's exit code, or 42 when the request never
// produced one.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xfeldman/preloader/internal/client"
	"github.com/xfeldman/preloader/internal/config"
)

const prgName = "preloader-cli"

func usage() {
	fmt.Fprintf(os.Stderr,
		"Usage:\n"+
			"  %s [-p <port>] <program> <program-arguments...>\n"+
			"or, renamed/symlinked as the target program:\n"+
			"  %s <program-arguments...>\n", prgName, prgName)
	os.Exit(client.InternalFailure)
}

// parseArgs splits our own flags from the forwarded command line,
// honoring the rename/symlink calling convention.
func parseArgs(args []string) (port int, forward []string) {
	port = config.DefaultPort

	if filepath.Base(args[0]) != prgName {
		// Invoked under another name: everything, argv[0] included,
		// belongs to the served program.
		return port, args
	}

	rest := args[1:]
	if len(rest) > 0 && rest[0] == "-p" {
		if len(rest) < 3 {
			usage()
		}
		p, err := strconv.Atoi(rest[1])
		if err != nil || p < 0 || p > 65535 {
			fmt.Fprintf(os.Stderr, "Invalid port number (%s), should be in: 0-65535\n", rest[1])
			usage()
		}
		port = p
		rest = rest[2:]
	}
	if len(rest) == 0 {
		usage()
	}
	return port, rest
}

func main() {
	if len(os.Args) < 2 && filepath.Base(os.Args[0]) == prgName {
		usage()
	}

	port, argv := parseArgs(os.Args)

	code, err := client.Run(config.DefaultPidPath, port, argv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", prgName, err)
	}
	os.Exit(code)
}
