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

package cfgclient_test

import (
	"context"
	"errors"
	"os"
	"path"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/devicecloud/cloudconfig_manager/cfgclient"
	"github.com/devicecloud/cloudconfig_manager/cfgserver"
	"github.com/devicecloud/cloudconfig_manager/cloudprotocol"
	"github.com/devicecloud/cloudconfig_manager/config"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const serverURL = "localhost:8093"

const requestTimeout = 5 * time.Second

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

type testProvider struct {
	secrets map[string]string
}

/***********************************************************************************************************************
 * Init
 **********************************************************************************************************************/

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableTimestamp: false,
		TimestampFormat:  "2006-01-02 15:04:05.000",
		FullTimestamp:    true,
	})
	log.SetLevel(log.DebugLevel)
	log.SetOutput(os.Stdout)
}

/***********************************************************************************************************************
 * Tests
 **********************************************************************************************************************/

func TestFetchDeviceSecret(t *testing.T) {
	provider := &testProvider{secrets: map[string]string{"user0key0": "secret0"}}

	server, err := cfgserver.New(&config.Config{ServerURL: serverURL}, provider, true)
	if err != nil {
		t.Fatalf("Can't create server: %s", err)
	}
	defer server.Close()

	client, err := cfgclient.New(&config.Config{ServerURL: serverURL},
		cfgclient.Identity{UserID: "user0", SecretKey: "key0"}, true)
	if err != nil {
		t.Fatalf("Can't create client: %s", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	secret, err := client.FetchDeviceSecret(ctx)
	if err != nil {
		t.Fatalf("Can't fetch device secret: %s", err)
	}

	if secret != "secret0" {
		t.Errorf("Wrong device secret: %s", secret)
	}
}

func TestFetchErrors(t *testing.T) {
	provider := &testProvider{secrets: map[string]string{}}

	server, err := cfgserver.New(&config.Config{ServerURL: serverURL}, provider, true)
	if err != nil {
		t.Fatalf("Can't create server: %s", err)
	}
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	// unknown secret key

	client, err := cfgclient.New(&config.Config{ServerURL: serverURL},
		cfgclient.Identity{UserID: "user0", SecretKey: "wrong"}, true)
	if err != nil {
		t.Fatalf("Can't create client: %s", err)
	}
	defer client.Close()

	if _, err = client.FetchDeviceSecret(ctx); !errors.Is(err, cfgclient.ErrInvalidParam) {
		t.Errorf("ErrInvalidParam expected, got: %v", err)
	}

	// node not claimed

	provider.secrets["user1key1"] = ""

	stateClient, err := cfgclient.New(&config.Config{ServerURL: serverURL},
		cfgclient.Identity{UserID: "user1", SecretKey: "key1"}, true)
	if err != nil {
		t.Fatalf("Can't create client: %s", err)
	}
	defer stateClient.Close()

	if _, err = stateClient.FetchDeviceSecret(ctx); !errors.Is(err, cfgclient.ErrInvalidState) {
		t.Errorf("ErrInvalidState expected, got: %v", err)
	}

	// closed client

	if err = stateClient.Close(); err != nil {
		t.Fatalf("Can't close client: %s", err)
	}

	if _, err = stateClient.FetchDeviceSecret(ctx); err == nil {
		t.Error("Error expected for closed client")
	}
}

func TestLoadIdentity(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "ccm_")
	if err != nil {
		t.Fatalf("Can't create tmp dir: %s", err)
	}

	defer os.RemoveAll(tmpDir)

	identityFile := path.Join(tmpDir, "identity.ini")

	identityContent := `[device]
user_id = user0@example.com
secret_key = 0123456789abcdef
mac = AA:BB:CC:DD:EE:FF
platform = esp32s2
`

	if err = os.WriteFile(identityFile, []byte(identityContent), 0o600); err != nil {
		t.Fatalf("Can't write identity file: %s", err)
	}

	identity, err := cfgclient.LoadIdentity(identityFile)
	if err != nil {
		t.Fatalf("Can't load identity: %s", err)
	}

	if identity.UserID != "user0@example.com" {
		t.Errorf("Wrong user ID: %s", identity.UserID)
	}

	if identity.SecretKey != "0123456789abcdef" {
		t.Errorf("Wrong secret key: %s", identity.SecretKey)
	}

	// user_id is required

	if err = os.WriteFile(identityFile, []byte("[device]\nmac = AA:BB:CC:DD:EE:FF\n"), 0o600); err != nil {
		t.Fatalf("Can't write identity file: %s", err)
	}

	if _, err = cfgclient.LoadIdentity(identityFile); err == nil {
		t.Error("Error expected for identity without user ID")
	}

	if _, err = cfgclient.LoadIdentity(path.Join(tmpDir, "nonexisting.ini")); err == nil {
		t.Error("Error expected for nonexisting identity file")
	}
}

/***********************************************************************************************************************
 * Interfaces
 **********************************************************************************************************************/

func (provider *testProvider) GetSetDetails(
	cmd *cloudprotocol.CmdGetSetDetails,
) (*cloudprotocol.RespGetSetDetails, error) {
	if cmd.UserID == "" {
		return &cloudprotocol.RespGetSetDetails{Status: cloudprotocol.StatusInvalidParam}, nil
	}

	secret, ok := provider.secrets[cmd.UserID+cmd.SecretKey]
	if !ok {
		return &cloudprotocol.RespGetSetDetails{Status: cloudprotocol.StatusInvalidParam}, nil
	}

	if secret == "" {
		return &cloudprotocol.RespGetSetDetails{Status: cloudprotocol.StatusInvalidState}, nil
	}

	return &cloudprotocol.RespGetSetDetails{Status: cloudprotocol.StatusSuccess, DeviceSecret: secret}, nil
}
