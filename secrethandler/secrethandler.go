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

// Package secrethandler implements device secret issue and fetch semantics.
package secrethandler

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/devicecloud/cloudconfig_manager/cloudprotocol"
	"github.com/devicecloud/cloudconfig_manager/config"
	"github.com/devicecloud/cloudconfig_manager/database"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

// ClaimedState claim state of a node with an issued device secret.
const ClaimedState = "claimed"

const (
	secretLen  = 32
	secretInfo = "device-secret"
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// Storage provides access to node records.
type Storage interface {
	GetUserNodeBySecretKey(userID string, secretKey string) (database.NodeInfo, error)
	SetNodeLastSeen(nodeID string, lastSeen time.Time) error
}

// Handler secret handler instance.
type Handler struct {
	storage   Storage
	masterKey []byte
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// New creates new secret handler.
func New(cfg *config.Config, storage Storage) (handler *Handler, err error) {
	log.Debug("Create secret handler")

	if cfg.MasterKey == "" {
		return nil, errors.New("master key is not set")
	}

	masterKey, err := hex.DecodeString(cfg.MasterKey)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &Handler{storage: storage, masterKey: masterKey}, nil
}

// GetSetDetails processes device secret request and returns the response payload.
func (handler *Handler) GetSetDetails(
	cmd *cloudprotocol.CmdGetSetDetails,
) (resp *cloudprotocol.RespGetSetDetails, err error) {
	log.WithField("userID", cmd.UserID).Debug("Process get secret details request")

	if cmd.UserID == "" {
		return &cloudprotocol.RespGetSetDetails{Status: cloudprotocol.StatusInvalidParam}, nil
	}

	node, err := handler.storage.GetUserNodeBySecretKey(cmd.UserID, cmd.SecretKey)
	if err != nil {
		if errors.Is(err, database.ErrNotExist) {
			log.WithField("userID", cmd.UserID).Warn("No node matches provided secret key")

			return &cloudprotocol.RespGetSetDetails{Status: cloudprotocol.StatusInvalidParam}, nil
		}

		return nil, errors.WithStack(err)
	}

	if node.ClaimState != ClaimedState || node.DeviceSecret == "" {
		log.WithFields(log.Fields{
			"nodeID": node.NodeID, "claimState": node.ClaimState,
		}).Warn("Node is not claimed")

		return &cloudprotocol.RespGetSetDetails{Status: cloudprotocol.StatusInvalidState}, nil
	}

	if err = handler.storage.SetNodeLastSeen(node.NodeID, time.Now()); err != nil {
		return nil, errors.WithStack(err)
	}

	return &cloudprotocol.RespGetSetDetails{
		Status:       cloudprotocol.StatusSuccess,
		DeviceSecret: node.DeviceSecret,
	}, nil
}

// DeriveDeviceSecret derives per node device secret from the master key.
func (handler *Handler) DeriveDeviceSecret(nodeID string) (secret string, err error) {
	reader := hkdf.New(sha256.New, handler.masterKey, []byte(nodeID), []byte(secretInfo))

	key := make([]byte, secretLen)

	if _, err = io.ReadFull(reader, key); err != nil {
		return "", errors.WithStack(err)
	}

	return hex.EncodeToString(key), nil
}
