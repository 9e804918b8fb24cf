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

package cfgclient

import (
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const identitySection = "device"

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// Identity device identity used to authenticate the secret fetch. Other
// keys of the provisioning file are ignored.
type Identity struct {
	UserID    string `ini:"user_id"`
	SecretKey string `ini:"secret_key"`
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// LoadIdentity reads device identity from provisioning file.
func LoadIdentity(fileName string) (identity Identity, err error) {
	file, err := ini.Load(fileName)
	if err != nil {
		return identity, errors.WithStack(err)
	}

	if err = file.Section(identitySection).MapTo(&identity); err != nil {
		return identity, errors.WithStack(err)
	}

	if identity.UserID == "" {
		return identity, errors.New("user ID is not set in identity file")
	}

	return identity, nil
}
