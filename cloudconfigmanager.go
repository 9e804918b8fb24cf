// SPDX-License-Identifier: Apache-2.0
//
// Copyright (C) 2021 Renesas Electronics Corporation.
// Copyright (C) 2021 EPAM Systems, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/devicecloud/cloudconfig_manager/cfgserver"
	"github.com/devicecloud/cloudconfig_manager/claimhandler"
	"github.com/devicecloud/cloudconfig_manager/config"
	"github.com/devicecloud/cloudconfig_manager/database"
	"github.com/devicecloud/cloudconfig_manager/httpapi"
	"github.com/devicecloud/cloudconfig_manager/secrethandler"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const dbFileName = "cloudconfig_manager.db"

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

// GitSummary provided by govvv at compile-time.
var GitSummary string //nolint:gochecknoglobals

/***********************************************************************************************************************
 * Init
 **********************************************************************************************************************/

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableTimestamp: false,
		TimestampFormat:  "2006-01-02 15:04:05.000",
		FullTimestamp:    true,
	})
	log.SetOutput(os.Stdout)
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func cleanup(dbFile string) {
	log.WithField("file", dbFile).Debug("Delete DB file")

	if err := os.RemoveAll(dbFile); err != nil {
		log.Fatalf("Can't cleanup database: %s", err)
	}
}

func createDatabase(cfg *config.Config) (db *database.Database, err error) {
	dbFile := path.Join(cfg.WorkingDir, dbFileName)

	db, err = database.New(dbFile, cfg.Migration.MigrationPath, cfg.Migration.MergedMigrationPath)
	if err != nil {
		if !errors.Is(err, database.ErrMigrationFailed) {
			return nil, err
		}

		log.Warning("Can't migrate database, recreate")
		cleanup(dbFile)

		if db, err = database.New(dbFile, cfg.Migration.MigrationPath, cfg.Migration.MergedMigrationPath); err != nil {
			return nil, err
		}
	}

	for _, user := range cfg.Users {
		if err = db.AddUser(user.Username, user.PasswordHash); err != nil {
			return nil, err
		}
	}

	return db, nil
}

/***********************************************************************************************************************
 * Main
 **********************************************************************************************************************/

func main() {
	configFile := flag.String("c", "cloudconfig_manager.cfg", "path to config file")
	strLogLevel := flag.String("v", "info", `log level: "debug", "info", "warn", "error", "fatal", "panic"`)

	flag.Parse()

	logLevel, err := log.ParseLevel(*strLogLevel)
	if err != nil {
		log.Fatalf("Error: %s", err)
	}

	log.SetLevel(logLevel)

	log.WithFields(log.Fields{"configFile": *configFile, "version": GitSummary}).Info("Start cloud config manager")

	cfg, err := config.New(*configFile)
	if err != nil {
		log.Fatalf("Can't open config file: %s", err)
	}

	db, err := createDatabase(cfg)
	if err != nil {
		log.Fatalf("Can't create database: %s", err)
	}
	defer db.Close()

	secretHandler, err := secrethandler.New(cfg, db)
	if err != nil {
		log.Fatalf("Can't create secret handler: %s", err)
	}

	claimHandler, err := claimhandler.New(db, secretHandler)
	if err != nil {
		log.Fatalf("Can't create claim handler: %s", err)
	}

	insecure := cfg.Cert == "" || cfg.Key == ""

	server, err := cfgserver.New(cfg, secretHandler, insecure)
	if err != nil {
		log.Fatalf("Can't create cloud configuration server: %s", err)
	}
	defer server.Close()

	apiServer, err := httpapi.New(cfg, db, claimHandler)
	if err != nil {
		log.Fatalf("Can't create API server: %s", err)
	}
	defer apiServer.Close()

	if _, err = daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnf("Can't notify systemd: %s", err)
	}

	// Handle SIGTERM
	terminateChannel := make(chan os.Signal, 1)
	signal.Notify(terminateChannel, os.Interrupt, syscall.SIGTERM)

	<-terminateChannel
}
