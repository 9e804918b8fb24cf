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

// Package cloudprotocol implements the cloud configuration message envelope:
// a binary request/response contract used by devices to fetch their cloud
// issued secret. The wire format is protobuf wire encoding with the envelope
// variants carried as a mutually exclusive union.
package cloudprotocol

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

// Request/response status codes.
const (
	StatusSuccess Status = iota
	StatusInvalidParam
	StatusInvalidState
)

// Envelope discriminator values.
const (
	TypeCmdGetSetDetails MsgType = iota
	TypeRespGetSetDetails
)

// Envelope field numbers.
const (
	msgFieldNum  = 1
	cmdFieldNum  = 10
	respFieldNum = 11
)

// Payload message field numbers.
const (
	userIDFieldNum       = 1
	secretKeyFieldNum    = 2
	statusFieldNum       = 1
	deviceSecretFieldNum = 2
)

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

// ErrEncoding is returned when the in-memory envelope is invalid prior to serialization.
var ErrEncoding = errors.New("encoding error")

// ErrDecoding is returned on truncated or corrupted input.
var ErrDecoding = errors.New("decoding error")

// ErrSchemaViolation is returned when the discriminator does not match the populated variant.
var ErrSchemaViolation = errors.New("schema violation")

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// Status result code of a configuration request.
type Status int32

// MsgType envelope discriminator type.
type MsgType int32

// CmdGetSetDetails device secret request. SecretKey carries the provisioning
// key issued during claiming, which authenticates the fetch.
type CmdGetSetDetails struct {
	UserID    string
	SecretKey string
}

// RespGetSetDetails device secret response. DeviceSecret is meaningful only
// when Status is StatusSuccess.
type RespGetSetDetails struct {
	Status       Status
	DeviceSecret string
}

// Payload envelope carrying the discriminator and exactly one variant.
type Payload struct {
	Msg  MsgType
	Cmd  *CmdGetSetDetails
	Resp *RespGetSetDetails
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// Marshal serializes the envelope to its binary wire form.
func Marshal(payload *Payload) (data []byte, err error) {
	if err = validate(payload); err != nil {
		return nil, err
	}

	if payload.Msg != 0 {
		data = protowire.AppendTag(data, msgFieldNum, protowire.VarintType)
		data = protowire.AppendVarint(data, uint64(payload.Msg))
	}

	switch {
	case payload.Cmd != nil:
		data = protowire.AppendTag(data, cmdFieldNum, protowire.BytesType)
		data = protowire.AppendBytes(data, appendCmd(nil, payload.Cmd))

	case payload.Resp != nil:
		data = protowire.AppendTag(data, respFieldNum, protowire.BytesType)
		data = protowire.AppendBytes(data, appendResp(nil, payload.Resp))
	}

	return data, nil
}

// Unmarshal parses the binary wire form into an envelope.
func Unmarshal(data []byte) (payload *Payload, err error) {
	parsed := &Payload{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errors.Wrap(ErrDecoding, "malformed field tag")
		}

		data = data[n:]

		switch {
		case num == msgFieldNum && typ == protowire.VarintType:
			value, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errors.Wrap(ErrDecoding, "malformed discriminator")
			}

			data = data[n:]

			parsed.Msg = MsgType(value)

		case num == cmdFieldNum && typ == protowire.BytesType:
			value, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, errors.Wrap(ErrDecoding, "malformed command variant")
			}

			data = data[n:]

			if parsed.Cmd, err = parseCmd(value); err != nil {
				return nil, err
			}

		case num == respFieldNum && typ == protowire.BytesType:
			value, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, errors.Wrap(ErrDecoding, "malformed response variant")
			}

			data = data[n:]

			if parsed.Resp, err = parseResp(value); err != nil {
				return nil, err
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, errors.Wrapf(ErrDecoding, "malformed field %d", num)
			}

			data = data[n:]
		}
	}

	if parsed.Msg != TypeCmdGetSetDetails && parsed.Msg != TypeRespGetSetDetails {
		return nil, errors.Wrapf(ErrDecoding, "unknown discriminator %d", parsed.Msg)
	}

	if err = checkVariant(parsed); err != nil {
		return nil, err
	}

	return parsed, nil
}

func (status Status) String() string {
	return [...]string{
		"success", "invalidParam", "invalidState",
	}[status]
}

func (msgType MsgType) String() string {
	return [...]string{
		"cmdGetSetDetails", "respGetSetDetails",
	}[msgType]
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func validate(payload *Payload) (err error) {
	if payload.Msg != TypeCmdGetSetDetails && payload.Msg != TypeRespGetSetDetails {
		return errors.Wrapf(ErrEncoding, "unknown discriminator %d", payload.Msg)
	}

	if payload.Cmd != nil && payload.Resp != nil {
		return errors.Wrap(ErrEncoding, "both variants set")
	}

	if payload.Cmd == nil && payload.Resp == nil {
		return errors.Wrap(ErrEncoding, "no variant set")
	}

	if payload.Resp != nil {
		if payload.Resp.Status < StatusSuccess || payload.Resp.Status > StatusInvalidState {
			return errors.Wrapf(ErrEncoding, "unknown status %d", payload.Resp.Status)
		}
	}

	if (payload.Msg == TypeCmdGetSetDetails) != (payload.Cmd != nil) {
		return errors.Wrapf(ErrEncoding, "variant does not match discriminator %s", payload.Msg)
	}

	return nil
}

func checkVariant(payload *Payload) (err error) {
	if payload.Cmd != nil && payload.Resp != nil {
		return errors.Wrap(ErrSchemaViolation, "both variants populated")
	}

	if payload.Cmd == nil && payload.Resp == nil {
		return errors.Wrap(ErrSchemaViolation, "no variant populated")
	}

	if (payload.Msg == TypeCmdGetSetDetails) != (payload.Cmd != nil) {
		return errors.Wrapf(ErrSchemaViolation, "variant does not match discriminator %s", payload.Msg)
	}

	return nil
}

func appendCmd(data []byte, cmd *CmdGetSetDetails) []byte {
	if cmd.UserID != "" {
		data = protowire.AppendTag(data, userIDFieldNum, protowire.BytesType)
		data = protowire.AppendString(data, cmd.UserID)
	}

	if cmd.SecretKey != "" {
		data = protowire.AppendTag(data, secretKeyFieldNum, protowire.BytesType)
		data = protowire.AppendString(data, cmd.SecretKey)
	}

	return data
}

func appendResp(data []byte, resp *RespGetSetDetails) []byte {
	if resp.Status != 0 {
		data = protowire.AppendTag(data, statusFieldNum, protowire.VarintType)
		data = protowire.AppendVarint(data, uint64(resp.Status))
	}

	if resp.DeviceSecret != "" {
		data = protowire.AppendTag(data, deviceSecretFieldNum, protowire.BytesType)
		data = protowire.AppendString(data, resp.DeviceSecret)
	}

	return data
}

func parseCmd(data []byte) (cmd *CmdGetSetDetails, err error) {
	cmd = &CmdGetSetDetails{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errors.Wrap(ErrDecoding, "malformed command field tag")
		}

		data = data[n:]

		switch {
		case num == userIDFieldNum && typ == protowire.BytesType:
			value, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, errors.Wrap(ErrDecoding, "malformed user ID")
			}

			data = data[n:]

			cmd.UserID = value

		case num == secretKeyFieldNum && typ == protowire.BytesType:
			value, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, errors.Wrap(ErrDecoding, "malformed secret key")
			}

			data = data[n:]

			cmd.SecretKey = value

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, errors.Wrapf(ErrDecoding, "malformed command field %d", num)
			}

			data = data[n:]
		}
	}

	return cmd, nil
}

func parseResp(data []byte) (resp *RespGetSetDetails, err error) {
	resp = &RespGetSetDetails{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errors.Wrap(ErrDecoding, "malformed response field tag")
		}

		data = data[n:]

		switch {
		case num == statusFieldNum && typ == protowire.VarintType:
			value, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errors.Wrap(ErrDecoding, "malformed status")
			}

			data = data[n:]

			if Status(value) < StatusSuccess || Status(value) > StatusInvalidState {
				return nil, errors.Wrapf(ErrDecoding, "unknown status %d", value)
			}

			resp.Status = Status(value)

		case num == deviceSecretFieldNum && typ == protowire.BytesType:
			value, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, errors.Wrap(ErrDecoding, "malformed device secret")
			}

			data = data[n:]

			resp.DeviceSecret = value

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, errors.Wrapf(ErrDecoding, "malformed response field %d", num)
			}

			data = data[n:]
		}
	}

	return resp, nil
}
