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

// Package claimhandler implements the node claiming flow: a node is created
// for a user with a generated provisioning secret key, then the key is
// verified and the cloud issued device secret is stored.
package claimhandler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"regexp"
	"sync"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"

	"github.com/devicecloud/cloudconfig_manager/database"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

// Claim states.
const (
	StateUnclaimed = "unclaimed"
	StateInitiated = "initiated"
	StateClaimed   = "claimed"
)

// Claim events.
const (
	eventInit   = "init"
	eventVerify = "verify"
)

const secretKeyLen = 16

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

// ErrInvalidSecretKey is returned when the presented provisioning key doesn't match.
var ErrInvalidSecretKey = errors.New("invalid secret key")

var macPattern = regexp.MustCompile(`^([0-9A-F]{2}:?){5}[0-9A-F]{2}$`)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// Storage provides access to node records.
type Storage interface {
	AddNode(node database.NodeInfo) error
	GetNode(nodeID string) (database.NodeInfo, error)
	SetNodeClaimState(nodeID string, claimState string) error
	SetNodeDeviceSecret(nodeID string, deviceSecret string) error
}

// SecretDeriver derives cloud issued device secrets.
type SecretDeriver interface {
	DeriveDeviceSecret(nodeID string) (secret string, err error)
}

// Handler claim handler instance.
type Handler struct {
	sync.Mutex

	storage Storage
	deriver SecretDeriver
	fsms    map[string]*fsm.FSM
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// New creates new claim handler.
func New(storage Storage, deriver SecretDeriver) (handler *Handler, err error) {
	log.Debug("Create claim handler")

	return &Handler{storage: storage, deriver: deriver, fsms: make(map[string]*fsm.FSM)}, nil
}

// InitClaim creates new node for the user and returns the node ID with its
// provisioning secret key.
func (handler *Handler) InitClaim(
	userID string, mac string, platform string,
) (nodeID string, secretKey string, err error) {
	handler.Lock()
	defer handler.Unlock()

	if userID == "" {
		return "", "", errors.New("user ID is empty")
	}

	if !macPattern.MatchString(mac) {
		return "", "", errors.Errorf("invalid MAC address: %s", mac)
	}

	nodeID = uuid.NewV4().String()

	if secretKey, err = generateSecretKey(); err != nil {
		return "", "", err
	}

	claimFSM := newClaimFSM(StateUnclaimed)

	if err = claimFSM.Event(context.Background(), eventInit); err != nil {
		return "", "", errors.WithStack(err)
	}

	if err = handler.storage.AddNode(database.NodeInfo{
		NodeID:     nodeID,
		UserID:     userID,
		MAC:        mac,
		Platform:   platform,
		ClaimState: claimFSM.Current(),
		SecretKey:  secretKey,
	}); err != nil {
		return "", "", errors.WithStack(err)
	}

	handler.fsms[nodeID] = claimFSM

	log.WithFields(log.Fields{"nodeID": nodeID, "userID": userID}).Info("Claim initiated")

	return nodeID, secretKey, nil
}

// VerifyClaim verifies the provisioning secret key and issues the device secret.
func (handler *Handler) VerifyClaim(nodeID string, secretKey string) (err error) {
	handler.Lock()
	defer handler.Unlock()

	node, err := handler.storage.GetNode(nodeID)
	if err != nil {
		return errors.WithStack(err)
	}

	if subtle.ConstantTimeCompare([]byte(node.SecretKey), []byte(secretKey)) != 1 {
		return ErrInvalidSecretKey
	}

	claimFSM, ok := handler.fsms[nodeID]
	if !ok {
		claimFSM = newClaimFSM(node.ClaimState)
	}

	if err = claimFSM.Event(context.Background(), eventVerify); err != nil {
		return errors.WithStack(err)
	}

	deviceSecret, err := handler.deriver.DeriveDeviceSecret(nodeID)
	if err != nil {
		return errors.WithStack(err)
	}

	if err = handler.storage.SetNodeDeviceSecret(nodeID, deviceSecret); err != nil {
		return errors.WithStack(err)
	}

	if err = handler.storage.SetNodeClaimState(nodeID, claimFSM.Current()); err != nil {
		return errors.WithStack(err)
	}

	// claim is finished, later reads are served from the persisted state
	delete(handler.fsms, nodeID)

	log.WithField("nodeID", nodeID).Info("Claim verified")

	return nil
}

// GetClaimState returns current claim state of the node.
func (handler *Handler) GetClaimState(nodeID string) (state string, err error) {
	handler.Lock()
	defer handler.Unlock()

	if claimFSM, ok := handler.fsms[nodeID]; ok {
		return claimFSM.Current(), nil
	}

	node, err := handler.storage.GetNode(nodeID)
	if err != nil {
		return "", errors.WithStack(err)
	}

	return node.ClaimState, nil
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func newClaimFSM(initial string) (claimFSM *fsm.FSM) {
	return fsm.NewFSM(initial,
		fsm.Events{
			{Name: eventInit, Src: []string{StateUnclaimed}, Dst: StateInitiated},
			{Name: eventVerify, Src: []string{StateInitiated}, Dst: StateClaimed},
		},
		fsm.Callbacks{})
}

func generateSecretKey() (secretKey string, err error) {
	key := make([]byte, secretKeyLen)

	if _, err = rand.Read(key); err != nil {
		return "", errors.WithStack(err)
	}

	return hex.EncodeToString(key), nil
}
