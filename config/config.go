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

// Package config provides cloud configuration manager configuration.
package config

import (
	"encoding/json"
	"os"
	"path"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const envPrefix = "cloudconfig"

const defaultOnlineWindow = 5 * time.Minute

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// Migration struct represents path for db migration.
type Migration struct {
	MigrationPath       string `json:"migrationPath"`
	MergedMigrationPath string `json:"mergedMigrationPath"`
}

// User operator account with bcrypt password hash.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
}

// Config instance.
type Config struct {
	ServerURL    string    `json:"serverUrl"`
	APIServerURL string    `json:"apiServerUrl"`
	Cert         string    `json:"cert"`
	Key          string    `json:"key"`
	CACert       string    `json:"caCert"`
	MQTTHost     string    `json:"mqttHost"`
	WorkingDir   string    `json:"workingDir"`
	MasterKey    string    `json:"masterKey" envconfig:"MASTER_KEY"`
	JWTSecret    string    `json:"jwtSecret" envconfig:"JWT_SECRET"`
	OnlineWindow Duration  `json:"onlineWindow" ignored:"true"`
	Users        []User    `json:"users" ignored:"true"`
	Migration    Migration `json:"migration" ignored:"true"`
}

// Duration represents duration in JSON config, accepts Go duration strings.
type Duration struct {
	time.Duration
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// New creates new config object.
func New(fileName string) (config *Config, err error) {
	file, err := os.Open(fileName)
	if err != nil {
		return config, errors.WithStack(err)
	}
	defer file.Close()

	config = &Config{}

	decoder := json.NewDecoder(file)
	if err = decoder.Decode(config); err != nil {
		return config, errors.WithStack(err)
	}

	if err = envconfig.Process(envPrefix, config); err != nil {
		return config, errors.WithStack(err)
	}

	if config.Migration.MigrationPath == "" {
		config.Migration.MigrationPath = "/usr/share/cloudconfig_manager/migration"
	}

	if config.Migration.MergedMigrationPath == "" {
		config.Migration.MergedMigrationPath = path.Join(config.WorkingDir, "mergedMigration")
	}

	if config.OnlineWindow.Duration == 0 {
		config.OnlineWindow.Duration = defaultOnlineWindow
	}

	return config, nil
}

// MarshalJSON marshals JSON Duration type.
func (d Duration) MarshalJSON() (b []byte, err error) {
	if b, err = json.Marshal(d.Duration.String()); err != nil {
		return b, errors.WithStack(err)
	}

	return b, nil
}

// UnmarshalJSON unmarshals JSON Duration type.
func (d *Duration) UnmarshalJSON(b []byte) (err error) {
	var v interface{}

	if err := json.Unmarshal(b, &v); err != nil {
		return errors.WithStack(err)
	}

	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)

		return nil

	case string:
		duration, err := time.ParseDuration(value)
		if err != nil {
			return errors.WithStack(err)
		}

		d.Duration = duration

		return nil

	default:
		return errors.Errorf("invalid duration value: %v", value)
	}
}
