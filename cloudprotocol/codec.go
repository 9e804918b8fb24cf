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

package cloudprotocol

import (
	"github.com/pkg/errors"
	"google.golang.org/grpc/encoding"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

// CodecName gRPC content subtype carrying the envelope wire format.
const CodecName = "cloudconfig"

// Service and method identifiers shared by the server and the client.
const (
	ServiceName    = "cloudconfig.CloudConfig"
	ExchangeMethod = "/cloudconfig.CloudConfig/Exchange"
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// Codec gRPC codec serializing envelopes with the cloud configuration wire format.
type Codec struct{}

/***********************************************************************************************************************
 * Init
 **********************************************************************************************************************/

func init() {
	encoding.RegisterCodec(Codec{})
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// Marshal serializes the envelope.
func (codec Codec) Marshal(v interface{}) (data []byte, err error) {
	payload, ok := v.(*Payload)
	if !ok {
		return nil, errors.Errorf("unsupported message type: %T", v)
	}

	return Marshal(payload)
}

// Unmarshal deserializes the envelope.
func (codec Codec) Unmarshal(data []byte, v interface{}) (err error) {
	payload, ok := v.(*Payload)
	if !ok {
		return errors.Errorf("unsupported message type: %T", v)
	}

	parsed, err := Unmarshal(data)
	if err != nil {
		return err
	}

	*payload = *parsed

	return nil
}

// Name returns the codec name used as gRPC content subtype.
func (codec Codec) Name() string {
	return CodecName
}
