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

// Package cfgclient provides the device side client fetching the cloud
// issued device secret.
package cfgclient

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/devicecloud/cloudconfig_manager/cloudprotocol"
	"github.com/devicecloud/cloudconfig_manager/config"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const connectTimeout = 30 * time.Second

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

// ErrInvalidParam is returned when the cloud rejects request parameters.
var ErrInvalidParam = errors.New("invalid request parameter")

// ErrInvalidState is returned when the device is not in a state to fetch the secret.
var ErrInvalidState = errors.New("invalid device state")

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// Client cloud configuration client instance.
type Client struct {
	sync.Mutex

	connection *grpc.ClientConn
	identity   Identity
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// New creates new cloud configuration client.
func New(cfg *config.Config, identity Identity, insecureConn bool) (client *Client, err error) {
	log.WithField("url", cfg.ServerURL).Debug("Create cloud configuration client")

	client = &Client{identity: identity}

	creds := insecure.NewCredentials()

	if !insecureConn {
		if creds, err = credentials.NewClientTLSFromFile(cfg.CACert, ""); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if client.connection, err = grpc.DialContext(ctx, cfg.ServerURL,
		grpc.WithTransportCredentials(creds), grpc.WithBlock()); err != nil {
		return nil, errors.WithStack(err)
	}

	return client, nil
}

// Close closes cloud configuration client.
func (client *Client) Close() (err error) {
	client.Lock()
	defer client.Unlock()

	log.Debug("Close cloud configuration client")

	if client.connection != nil {
		client.connection.Close()
		client.connection = nil
	}

	return nil
}

// FetchDeviceSecret requests the cloud issued device secret.
func (client *Client) FetchDeviceSecret(ctx context.Context) (secret string, err error) {
	client.Lock()
	defer client.Unlock()

	if client.connection == nil {
		return "", errors.New("client is not connected")
	}

	log.WithField("userID", client.identity.UserID).Debug("Fetch device secret")

	request := &cloudprotocol.Payload{
		Msg: cloudprotocol.TypeCmdGetSetDetails,
		Cmd: &cloudprotocol.CmdGetSetDetails{
			UserID:    client.identity.UserID,
			SecretKey: client.identity.SecretKey,
		},
	}

	response := &cloudprotocol.Payload{}

	if err = client.connection.Invoke(ctx, cloudprotocol.ExchangeMethod, request, response,
		grpc.CallContentSubtype(cloudprotocol.CodecName)); err != nil {
		return "", errors.WithStack(err)
	}

	if response.Msg != cloudprotocol.TypeRespGetSetDetails || response.Resp == nil {
		return "", errors.New("response envelope expected")
	}

	switch response.Resp.Status {
	case cloudprotocol.StatusSuccess:
		return response.Resp.DeviceSecret, nil

	case cloudprotocol.StatusInvalidParam:
		return "", ErrInvalidParam

	case cloudprotocol.StatusInvalidState:
		return "", ErrInvalidState

	default:
		return "", errors.Errorf("unknown status: %d", response.Resp.Status)
	}
}
