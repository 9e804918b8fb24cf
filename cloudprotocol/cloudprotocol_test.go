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

package cloudprotocol_test

import (
	"errors"
	"os"
	"reflect"
	"testing"

	log "github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/devicecloud/cloudconfig_manager/cloudprotocol"
)

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

func TestRoundTrip(t *testing.T) {
	testData := []*cloudprotocol.Payload{
		{
			Msg: cloudprotocol.TypeCmdGetSetDetails,
			Cmd: &cloudprotocol.CmdGetSetDetails{UserID: "u1", SecretKey: ""},
		},
		{
			Msg: cloudprotocol.TypeCmdGetSetDetails,
			Cmd: &cloudprotocol.CmdGetSetDetails{UserID: "user0@example.com", SecretKey: "0123456789abcdef"},
		},
		{
			Msg:  cloudprotocol.TypeRespGetSetDetails,
			Resp: &cloudprotocol.RespGetSetDetails{Status: cloudprotocol.StatusSuccess, DeviceSecret: "secret"},
		},
		{
			Msg:  cloudprotocol.TypeRespGetSetDetails,
			Resp: &cloudprotocol.RespGetSetDetails{Status: cloudprotocol.StatusInvalidParam, DeviceSecret: ""},
		},
		{
			Msg:  cloudprotocol.TypeRespGetSetDetails,
			Resp: &cloudprotocol.RespGetSetDetails{Status: cloudprotocol.StatusInvalidState, DeviceSecret: ""},
		},
	}

	for _, payload := range testData {
		data, err := cloudprotocol.Marshal(payload)
		if err != nil {
			t.Fatalf("Can't marshal payload: %s", err)
		}

		decoded, err := cloudprotocol.Unmarshal(data)
		if err != nil {
			t.Fatalf("Can't unmarshal payload: %s", err)
		}

		if !reflect.DeepEqual(payload, decoded) {
			t.Errorf("Wrong decoded payload: %v", decoded)
		}
	}
}

func TestMarshalInvalidEnvelope(t *testing.T) {
	testData := []*cloudprotocol.Payload{
		// no variant set
		{Msg: cloudprotocol.TypeCmdGetSetDetails},
		// both variants set
		{
			Msg:  cloudprotocol.TypeCmdGetSetDetails,
			Cmd:  &cloudprotocol.CmdGetSetDetails{UserID: "u1"},
			Resp: &cloudprotocol.RespGetSetDetails{},
		},
		// variant disagrees with the discriminator
		{
			Msg:  cloudprotocol.TypeCmdGetSetDetails,
			Resp: &cloudprotocol.RespGetSetDetails{Status: cloudprotocol.StatusSuccess},
		},
		{
			Msg: cloudprotocol.TypeRespGetSetDetails,
			Cmd: &cloudprotocol.CmdGetSetDetails{UserID: "u1"},
		},
		// unknown discriminator
		{Msg: 42, Cmd: &cloudprotocol.CmdGetSetDetails{UserID: "u1"}},
	}

	for _, payload := range testData {
		if _, err := cloudprotocol.Marshal(payload); !errors.Is(err, cloudprotocol.ErrEncoding) {
			t.Errorf("Encoding error expected, got: %v", err)
		}
	}
}

func TestUnmarshalCorruptedData(t *testing.T) {
	validData, err := cloudprotocol.Marshal(&cloudprotocol.Payload{
		Msg: cloudprotocol.TypeCmdGetSetDetails,
		Cmd: &cloudprotocol.CmdGetSetDetails{UserID: "u1", SecretKey: "key"},
	})
	if err != nil {
		t.Fatalf("Can't marshal payload: %s", err)
	}

	testData := [][]byte{
		{0x00},
		{0xff},
		{0x08},
		validData[:len(validData)-1],
		validData[:1],
	}

	for _, data := range testData {
		payload, err := cloudprotocol.Unmarshal(data)
		if !errors.Is(err, cloudprotocol.ErrDecoding) {
			t.Errorf("Decoding error expected, got: %v", err)
		}

		if payload != nil {
			t.Error("No payload expected on decoding error")
		}
	}
}

func TestUnmarshalUnknownDiscriminator(t *testing.T) {
	var data []byte

	data = protowire.AppendTag(data, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, 42)

	if _, err := cloudprotocol.Unmarshal(data); !errors.Is(err, cloudprotocol.ErrDecoding) {
		t.Errorf("Decoding error expected, got: %v", err)
	}
}

func TestUnmarshalSchemaViolation(t *testing.T) {
	// response variant under command discriminator
	var data []byte

	data = protowire.AppendTag(data, 11, protowire.BytesType)
	data = protowire.AppendBytes(data, nil)

	if _, err := cloudprotocol.Unmarshal(data); !errors.Is(err, cloudprotocol.ErrSchemaViolation) {
		t.Errorf("Schema violation expected, got: %v", err)
	}

	// discriminator without any variant
	data = nil
	data = protowire.AppendTag(data, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, uint64(cloudprotocol.TypeRespGetSetDetails))

	if _, err := cloudprotocol.Unmarshal(data); !errors.Is(err, cloudprotocol.ErrSchemaViolation) {
		t.Errorf("Schema violation expected, got: %v", err)
	}

	// both variants populated
	data = nil
	data = protowire.AppendTag(data, 10, protowire.BytesType)
	data = protowire.AppendBytes(data, nil)
	data = protowire.AppendTag(data, 11, protowire.BytesType)
	data = protowire.AppendBytes(data, nil)

	if _, err := cloudprotocol.Unmarshal(data); !errors.Is(err, cloudprotocol.ErrSchemaViolation) {
		t.Errorf("Schema violation expected, got: %v", err)
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	var data []byte

	data = protowire.AppendTag(data, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, uint64(cloudprotocol.TypeRespGetSetDetails))
	// unknown field should be skipped for forward compatibility
	data = protowire.AppendTag(data, 5, protowire.BytesType)
	data = protowire.AppendString(data, "future extension")

	var respData []byte

	respData = protowire.AppendTag(respData, 1, protowire.VarintType)
	respData = protowire.AppendVarint(respData, uint64(cloudprotocol.StatusInvalidState))

	data = protowire.AppendTag(data, 11, protowire.BytesType)
	data = protowire.AppendBytes(data, respData)

	payload, err := cloudprotocol.Unmarshal(data)
	if err != nil {
		t.Fatalf("Can't unmarshal payload: %s", err)
	}

	if payload.Resp == nil || payload.Resp.Status != cloudprotocol.StatusInvalidState {
		t.Errorf("Wrong decoded payload: %v", payload)
	}
}

func TestCodec(t *testing.T) {
	codec := cloudprotocol.Codec{}

	if codec.Name() != cloudprotocol.CodecName {
		t.Errorf("Wrong codec name: %s", codec.Name())
	}

	payload := &cloudprotocol.Payload{
		Msg: cloudprotocol.TypeCmdGetSetDetails,
		Cmd: &cloudprotocol.CmdGetSetDetails{UserID: "u1"},
	}

	data, err := codec.Marshal(payload)
	if err != nil {
		t.Fatalf("Can't marshal payload: %s", err)
	}

	decoded := &cloudprotocol.Payload{}

	if err = codec.Unmarshal(data, decoded); err != nil {
		t.Fatalf("Can't unmarshal payload: %s", err)
	}

	if !reflect.DeepEqual(payload, decoded) {
		t.Errorf("Wrong decoded payload: %v", decoded)
	}

	if _, err = codec.Marshal("not a payload"); err == nil {
		t.Error("Error expected for unsupported message type")
	}

	if err = codec.Unmarshal(data, "not a payload"); err == nil {
		t.Error("Error expected for unsupported message type")
	}
}
