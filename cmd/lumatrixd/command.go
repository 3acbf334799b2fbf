package main

import (
	"github.com/docopt/docopt-go"
)

var usage = `lumatrixd - the lumatrix device daemon

Usage:
  lumatrixd run [--config=<path>]
  lumatrixd simulate [--config=<path>]
  lumatrixd version

Options:
  -c --config=<path>  Path to the configuration file.
  -h --help           Show this screen.
`

type command struct {
	// commands
	cRun      bool
	cSimulate bool
	cVersion  bool

	// options
	oConfig string
}

func parseCommand() *command {
	a, err := docopt.Parse(usage, nil, true, "", false)
	exitIfSet(err)

	return &command{
		// commands
		cRun:      getBool(a["run"]),
		cSimulate: getBool(a["simulate"]),
		cVersion:  getBool(a["version"]),

		// options
		oConfig: getString(a["--config"]),
	}
}

func getBool(field interface{}) bool {
	val, _ := field.(bool)
	return val
}

func getString(field interface{}) string {
	str, _ := field.(string)
	return str
}
