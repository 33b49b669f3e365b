package main

/*
	Type and flag definations

	This file contains all the type and flag definations
*/

import (
	"flag"
	"strings"
	"time"

	"imuslab.com/lattice/mod/info/logger"
	"imuslab.com/lattice/mod/orchestrator"
)

const (
	/* Build Constants */
	SYSTEM_NAME    = "Lattice"
	SYSTEM_VERSION = "1.0.0"

	/* System Constants */
	LOG_PREFIX    = "lattice"
	LOG_EXTENSION = ".log"
)

// A repeatable NAME=VALUE flag
type overrideFlag []string

func (f *overrideFlag) String() string {
	return strings.Join(*f, ",")
}

func (f *overrideFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

/* System Startup Flags */
var (
	path_config  = flag.String("config", "./config.json", "Server configuration file path")
	path_logFile = flag.String("log", "./log", "Log folder path")
	showver      = flag.Bool("version", false, "Show version of this server")

	/* Config Override Flags, repeatable */
	socketAddrOverrides    overrideFlag //--socket-addr NAME=ADDR
	externalAddrOverrides  overrideFlag //--external-addr NAME=ADDR
	directoryPathOverrides overrideFlag //--directory-path NAME=PATH
)

func init() {
	flag.Var(&socketAddrOverrides, "socket-addr", "Override a socket's bind address, NAME=ADDR (repeatable)")
	flag.Var(&externalAddrOverrides, "external-addr", "Override an external service's address, NAME=ADDR (repeatable)")
	flag.Var(&directoryPathOverrides, "directory-path", "Override a disk service's path, NAME=PATH (repeatable)")
}

/* Global Variables and Handlers */
var (
	nodeUUID = "generic" //Node uuid in uuidv4 format, generated on startup
	bootTime = time.Now().Unix()

	/* Handler Modules */
	SystemWideLogger *logger.Logger
	serverInstance   *orchestrator.Orchestrator
)
