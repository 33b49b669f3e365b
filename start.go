package main

/*
	Startup and shutdown sequences

	Builds the system wide logger, loads the config file, applies the
	command line overrides and hands everything to the orchestrator.
*/

import (
	"errors"

	"github.com/google/uuid"

	"imuslab.com/lattice/mod/config"
	"imuslab.com/lattice/mod/info/logger"
	"imuslab.com/lattice/mod/orchestrator"
	"imuslab.com/lattice/mod/utils"
	"imuslab.com/lattice/mod/worker"
)

func startupSequence() error {
	//Start the system wide logger
	l, err := logger.NewLogger(LOG_PREFIX, *path_logFile)
	if err != nil {
		return errors.New("logger initiation failed: " + err.Error())
	}
	SystemWideLogger = l

	//Create a new node id for this instance
	nodeUUID = uuid.New().String()

	//Collect the command line overrides. A malformed pair aborts the
	//startup before anything binds.
	overrides, err := parseOverrideFlags()
	if err != nil {
		return err
	}

	//Load the server config
	if !utils.FileExists(*path_config) {
		return errors.New("config file not found: " + *path_config)
	}
	conf, err := config.LoadConfig(*path_config)
	if err != nil {
		return errors.New("unable to load config file " + *path_config + ": " + err.Error())
	}

	serverInstance = orchestrator.NewOrchestrator(&orchestrator.Options{
		Config:     conf,
		Overrides:  overrides,
		ScriptHost: worker.NewNativeHost(),
		Logger:     SystemWideLogger,
	})

	return nil
}

func parseOverrideFlags() (*orchestrator.Overrides, error) {
	overrides := orchestrator.Overrides{
		SocketAddrs:    map[string]string{},
		ExternalAddrs:  map[string]string{},
		DirectoryPaths: map[string]string{},
	}
	for _, pair := range socketAddrOverrides {
		name, value, err := utils.SplitOverridePair(pair)
		if err != nil {
			return nil, errors.New("invalid --socket-addr flag: " + err.Error())
		}
		overrides.SocketAddrs[name] = value
	}
	for _, pair := range externalAddrOverrides {
		name, value, err := utils.SplitOverridePair(pair)
		if err != nil {
			return nil, errors.New("invalid --external-addr flag: " + err.Error())
		}
		overrides.ExternalAddrs[name] = value
	}
	for _, pair := range directoryPathOverrides {
		name, value, err := utils.SplitOverridePair(pair)
		if err != nil {
			return nil, errors.New("invalid --directory-path flag: " + err.Error())
		}
		overrides.DirectoryPaths[name] = value
	}
	return &overrides, nil
}

/* Shutdown Sequence */
func ShutdownSeq() {
	if serverInstance != nil {
		SystemWideLogger.Println("Shutting down " + SYSTEM_NAME)
		serverInstance.Shutdown()
	}
	if SystemWideLogger != nil {
		SystemWideLogger.Close()
	}
}
