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

// Package database provides node and user storage for the cloud
// configuration manager.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // ignore lint
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/devicecloud/cloudconfig_manager/migration"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const (
	busyTimeout = 60000
	journalMode = "WAL"
	syncMode    = "NORMAL"
)

const dbVersion = 1

const folderPerm = 0o755

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

// ErrNotExist is returned when requested entry not exist in DB.
var ErrNotExist = errors.New("entry doesn't exist")

// ErrMigrationFailed is returned if migration was failed and db returned to the previous state.
var ErrMigrationFailed = errors.New("database migration failed")

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// Database structure with database information.
type Database struct {
	sql *sql.DB
}

// NodeInfo node record.
type NodeInfo struct {
	NodeID       string
	UserID       string
	MAC          string
	Platform     string
	ClaimState   string
	SecretKey    string
	DeviceSecret string
	Config       []byte
	Params       []byte
	LastSeen     time.Time
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// New creates new database handle.
func New(name string, migrationPath string, mergedMigrationPath string) (db *Database, err error) {
	log.WithField("name", name).Debug("Open database")

	if err = os.MkdirAll(filepath.Dir(name), folderPerm); err != nil {
		return nil, errors.WithStack(err)
	}

	if err = migration.MergeMigrationFiles(migrationPath, mergedMigrationPath); err != nil {
		return nil, errors.WithStack(err)
	}

	exists, err := dbExists(name)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	sqlite, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=%s&_sync=%s",
		name, busyTimeout, journalMode, syncMode))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	db = &Database{sql: sqlite}

	defer func() {
		if err != nil {
			db.Close()
		}
	}()

	if !exists {
		// Set database version if database not exist
		if err = db.createTables(); err != nil {
			return db, errors.WithStack(err)
		}

		if err = migration.SetDatabaseVersion(sqlite, mergedMigrationPath, dbVersion); err != nil {
			return db, errors.Wrap(ErrMigrationFailed, err.Error())
		}
	} else {
		if err = migration.DoMigrate(sqlite, mergedMigrationPath, dbVersion); err != nil {
			return db, errors.Wrap(ErrMigrationFailed, err.Error())
		}
	}

	return db, nil
}

// Close closes database.
func (db *Database) Close() {
	db.sql.Close()
}

// AddUser adds or updates operator user.
func (db *Database) AddUser(username string, passwordHash string) (err error) {
	if _, err = db.sql.Exec("REPLACE INTO users (username, passwordHash) VALUES(?, ?)",
		username, passwordHash); err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// GetUserPasswordHash returns password hash of the user.
func (db *Database) GetUserPasswordHash(username string) (passwordHash string, err error) {
	stmt, err := db.sql.Prepare("SELECT passwordHash FROM users WHERE username = ?")
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer stmt.Close()

	if err = stmt.QueryRow(username).Scan(&passwordHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotExist
		}

		return "", errors.WithStack(err)
	}

	return passwordHash, nil
}

// AddNode adds new node record.
func (db *Database) AddNode(node NodeInfo) (err error) {
	var lastSeen int64

	if !node.LastSeen.IsZero() {
		lastSeen = node.LastSeen.Unix()
	}

	if _, err = db.sql.Exec("INSERT INTO nodes values(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		node.NodeID, node.UserID, node.MAC, node.Platform, node.ClaimState, node.SecretKey,
		node.DeviceSecret, node.Config, node.Params, lastSeen); err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// GetNode returns node record by node ID.
func (db *Database) GetNode(nodeID string) (node NodeInfo, err error) {
	return db.getNode("SELECT * FROM nodes WHERE nodeId = ?", nodeID)
}

// GetUserNodeBySecretKey returns user node matching the provisioning secret key.
func (db *Database) GetUserNodeBySecretKey(userID string, secretKey string) (node NodeInfo, err error) {
	return db.getNode("SELECT * FROM nodes WHERE userId = ? AND secretKey = ?", userID, secretKey)
}

// GetUserNodes returns IDs of all nodes associated with the user.
func (db *Database) GetUserNodes(userID string) (nodeIDs []string, err error) {
	rows, err := db.sql.Query("SELECT nodeId FROM nodes WHERE userId = ? ORDER BY nodeId", userID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	for rows.Next() {
		var nodeID string

		if err = rows.Scan(&nodeID); err != nil {
			return nil, errors.WithStack(err)
		}

		nodeIDs = append(nodeIDs, nodeID)
	}

	return nodeIDs, errors.WithStack(rows.Err())
}

// SetNodeClaimState stores node claim state.
func (db *Database) SetNodeClaimState(nodeID string, claimState string) (err error) {
	return db.executeQuery("UPDATE nodes SET claimState = ? WHERE nodeId = ?", claimState, nodeID)
}

// SetNodeDeviceSecret stores cloud issued device secret.
func (db *Database) SetNodeDeviceSecret(nodeID string, deviceSecret string) (err error) {
	return db.executeQuery("UPDATE nodes SET deviceSecret = ? WHERE nodeId = ?", deviceSecret, nodeID)
}

// GetNodeConfig returns node configuration.
func (db *Database) GetNodeConfig(nodeID string) (config []byte, err error) {
	if err = db.getColumn("SELECT config FROM nodes WHERE nodeId = ?", nodeID, &config); err != nil {
		return nil, err
	}

	return config, nil
}

// SetNodeConfig stores node configuration.
func (db *Database) SetNodeConfig(nodeID string, config []byte) (err error) {
	return db.executeQuery("UPDATE nodes SET config = ? WHERE nodeId = ?", config, nodeID)
}

// GetNodeParams returns node parameters.
func (db *Database) GetNodeParams(nodeID string) (params []byte, err error) {
	if err = db.getColumn("SELECT params FROM nodes WHERE nodeId = ?", nodeID, &params); err != nil {
		return nil, err
	}

	return params, nil
}

// SetNodeParams stores node parameters.
func (db *Database) SetNodeParams(nodeID string, params []byte) (err error) {
	return db.executeQuery("UPDATE nodes SET params = ? WHERE nodeId = ?", params, nodeID)
}

// SetNodeLastSeen stores time when the node was last seen online.
func (db *Database) SetNodeLastSeen(nodeID string, lastSeen time.Time) (err error) {
	return db.executeQuery("UPDATE nodes SET lastSeen = ? WHERE nodeId = ?", lastSeen.Unix(), nodeID)
}

// RemoveUserNodeMapping removes the user node mapping.
func (db *Database) RemoveUserNodeMapping(nodeID string) (err error) {
	return db.executeQuery("UPDATE nodes SET userId = '' WHERE nodeId = ?", nodeID)
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func dbExists(name string) (exists bool, err error) {
	if _, err = os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, errors.WithStack(err)
	}

	return true, nil
}

func (db *Database) createTables() (err error) {
	log.Debug("Create tables")

	if _, err = db.sql.Exec(
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT NOT NULL PRIMARY KEY,
			passwordHash TEXT NOT NULL)`); err != nil {
		return errors.WithStack(err)
	}

	if _, err = db.sql.Exec(
		`CREATE TABLE IF NOT EXISTS nodes (
			nodeId TEXT NOT NULL PRIMARY KEY,
			userId TEXT,
			mac TEXT,
			platform TEXT,
			claimState TEXT,
			secretKey TEXT,
			deviceSecret TEXT,
			config BLOB,
			params BLOB,
			lastSeen INTEGER DEFAULT 0)`); err != nil {
		return errors.WithStack(err)
	}

	return nil
}

func (db *Database) getNode(query string, args ...interface{}) (node NodeInfo, err error) {
	stmt, err := db.sql.Prepare(query)
	if err != nil {
		return node, errors.WithStack(err)
	}
	defer stmt.Close()

	var lastSeen int64

	if err = stmt.QueryRow(args...).Scan(&node.NodeID, &node.UserID, &node.MAC, &node.Platform,
		&node.ClaimState, &node.SecretKey, &node.DeviceSecret, &node.Config, &node.Params,
		&lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return node, ErrNotExist
		}

		return node, errors.WithStack(err)
	}

	// zero lastSeen means the node was never seen online
	if lastSeen != 0 {
		node.LastSeen = time.Unix(lastSeen, 0)
	}

	return node, nil
}

func (db *Database) getColumn(query string, nodeID string, result *[]byte) (err error) {
	stmt, err := db.sql.Prepare(query)
	if err != nil {
		return errors.WithStack(err)
	}
	defer stmt.Close()

	if err = stmt.QueryRow(nodeID).Scan(result); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotExist
		}

		return errors.WithStack(err)
	}

	return nil
}

func (db *Database) executeQuery(query string, args ...interface{}) (err error) {
	result, err := db.sql.Exec(query, args...)
	if err != nil {
		return errors.WithStack(err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}

	if count == 0 {
		return ErrNotExist
	}

	return nil
}
