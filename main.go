package main

/*
  _           _   _   _
 | |         | | | | (_)
 | |     __ _| |_| |_ _  ___ ___
 | |    / _` | __| __| |/ __/ _ \
 | |___| (_| | |_| |_| | (_|  __/
 |______\__,_|\__|\__|_|\___\___|

Lattice - A configurable multi-service HTTP front-end server
License: AGPLv3

--------------------------------------------

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, version 3 of the License or any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program. If not, see <https://www.gnu.org/licenses/>.

*/

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

/* SIGTERM handler, do shutdown sequences before closing */
func SetupCloseHandler() {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-c
		ShutdownSeq()
		os.Exit(0)
	}()
}

func main() {
	//Parse startup flags
	flag.Parse()

	if *showver {
		fmt.Println(SYSTEM_NAME + " - Version " + SYSTEM_VERSION)
		os.Exit(0)
	}

	SetupCloseHandler()

	//Build all services and sockets from the config file
	if err := startupSequence(); err != nil {
		fmt.Println("Failed to start: " + err.Error())
		os.Exit(1)
	}

	SystemWideLogger.Println("Serving started. Node ID: " + nodeUUID)

	//Serve until a fatal error or a shutdown signal
	if err := serverInstance.Run(context.Background()); err != nil {
		SystemWideLogger.PrintAndLog("fatal", "Server terminated by fatal error", err)
		ShutdownSeq()
		os.Exit(1)
	}

	ShutdownSeq()
}
