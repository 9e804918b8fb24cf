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

package claimhandler_test

import (
	"errors"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/devicecloud/cloudconfig_manager/claimhandler"
	"github.com/devicecloud/cloudconfig_manager/database"
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

type testStorage struct {
	nodes map[string]database.NodeInfo
}

type testDeriver struct{}

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

func TestClaimFlow(t *testing.T) {
	storage := &testStorage{nodes: make(map[string]database.NodeInfo)}

	handler, err := claimhandler.New(storage, &testDeriver{})
	if err != nil {
		t.Fatalf("Can't create claim handler: %s", err)
	}

	nodeID, secretKey, err := handler.InitClaim("user0", "AA:BB:CC:DD:EE:FF", "esp32s2")
	if err != nil {
		t.Fatalf("Can't init claim: %s", err)
	}

	if nodeID == "" || secretKey == "" {
		t.Fatal("Empty node ID or secret key")
	}

	state, err := handler.GetClaimState(nodeID)
	if err != nil {
		t.Fatalf("Can't get claim state: %s", err)
	}

	if state != claimhandler.StateInitiated {
		t.Errorf("Wrong claim state: %s", state)
	}

	if err = handler.VerifyClaim(nodeID, secretKey); err != nil {
		t.Fatalf("Can't verify claim: %s", err)
	}

	node := storage.nodes[nodeID]

	if node.ClaimState != claimhandler.StateClaimed {
		t.Errorf("Wrong claim state: %s", node.ClaimState)
	}

	if node.DeviceSecret != "derived_"+nodeID {
		t.Errorf("Wrong device secret: %s", node.DeviceSecret)
	}

	// Second verify should fail: claim is already completed
	if err = handler.VerifyClaim(nodeID, secretKey); err == nil {
		t.Error("Error expected for already claimed node")
	}

	// Completed claim must not be tracked in memory: state comes from storage
	node.ClaimState = "revoked"
	storage.nodes[nodeID] = node

	state, err = handler.GetClaimState(nodeID)
	if err != nil {
		t.Fatalf("Can't get claim state: %s", err)
	}

	if state != "revoked" {
		t.Errorf("Wrong claim state: %s", state)
	}
}

func TestClaimRestoredFromStorage(t *testing.T) {
	storage := &testStorage{nodes: map[string]database.NodeInfo{
		"node0": {NodeID: "node0", UserID: "user0", ClaimState: claimhandler.StateInitiated, SecretKey: "key0"},
	}}

	// New handler has no in-memory state: claim state comes from storage
	handler, err := claimhandler.New(storage, &testDeriver{})
	if err != nil {
		t.Fatalf("Can't create claim handler: %s", err)
	}

	if err = handler.VerifyClaim("node0", "key0"); err != nil {
		t.Fatalf("Can't verify claim: %s", err)
	}

	if storage.nodes["node0"].ClaimState != claimhandler.StateClaimed {
		t.Errorf("Wrong claim state: %s", storage.nodes["node0"].ClaimState)
	}
}

func TestClaimErrors(t *testing.T) {
	storage := &testStorage{nodes: make(map[string]database.NodeInfo)}

	handler, err := claimhandler.New(storage, &testDeriver{})
	if err != nil {
		t.Fatalf("Can't create claim handler: %s", err)
	}

	if _, _, err = handler.InitClaim("", "AA:BB:CC:DD:EE:FF", "esp32"); err == nil {
		t.Error("Error expected for empty user ID")
	}

	if _, _, err = handler.InitClaim("user0", "not a mac", "esp32"); err == nil {
		t.Error("Error expected for invalid MAC address")
	}

	nodeID, _, err := handler.InitClaim("user0", "AABBCCDDEEFF", "esp32")
	if err != nil {
		t.Fatalf("Can't init claim: %s", err)
	}

	if err = handler.VerifyClaim(nodeID, "wrong key"); !errors.Is(err, claimhandler.ErrInvalidSecretKey) {
		t.Errorf("ErrInvalidSecretKey expected, got: %v", err)
	}

	if err = handler.VerifyClaim("unknown", "key"); err == nil {
		t.Error("Error expected for unknown node")
	}
}

/***********************************************************************************************************************
 * Interfaces
 **********************************************************************************************************************/

func (storage *testStorage) AddNode(node database.NodeInfo) error {
	storage.nodes[node.NodeID] = node

	return nil
}

func (storage *testStorage) GetNode(nodeID string) (database.NodeInfo, error) {
	node, ok := storage.nodes[nodeID]
	if !ok {
		return database.NodeInfo{}, database.ErrNotExist
	}

	return node, nil
}

func (storage *testStorage) SetNodeClaimState(nodeID string, claimState string) error {
	node, ok := storage.nodes[nodeID]
	if !ok {
		return database.ErrNotExist
	}

	node.ClaimState = claimState
	storage.nodes[nodeID] = node

	return nil
}

func (storage *testStorage) SetNodeDeviceSecret(nodeID string, deviceSecret string) error {
	node, ok := storage.nodes[nodeID]
	if !ok {
		return database.ErrNotExist
	}

	node.DeviceSecret = deviceSecret
	storage.nodes[nodeID] = node

	return nil
}

func (deriver *testDeriver) DeriveDeviceSecret(nodeID string) (string, error) {
	return "derived_" + nodeID, nil
}
