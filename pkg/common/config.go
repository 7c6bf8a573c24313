/** Copyright 2022-2024 The dxgvmbus Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package common

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

const (
	DXGVMBUS_VERSION_MAJOR = 0
	DXGVMBUS_VERSION_MINOR = 9
	DXGVMBUS_VERSION_PATCH = 1

	DXGVMBUS_VERSION = ((DXGVMBUS_VERSION_MAJOR*1000)+DXGVMBUS_VERSION_MINOR)*1000 +
		DXGVMBUS_VERSION_PATCH
)

var DXGVMBUS_VERSION_STRING = fmt.Sprintf(
	"%d.%d.%d",
	DXGVMBUS_VERSION_MAJOR,
	DXGVMBUS_VERSION_MINOR,
	DXGVMBUS_VERSION_PATCH,
)

// Config describes how to reach the host GPU backend.
type Config struct {
	// BusSocket is the unix socket of the global (VM-to-host) channel.
	BusSocket string `json:"bus_socket"`
	// IOSpacePath is the file exposing the negotiated IO-space window; empty
	// when the window fd is passed over the bus socket instead.
	IOSpacePath string `json:"iospace_path,omitempty"`
	// RequestedVersion is the interface version offered during adapter
	// negotiation; zero means the current version.
	RequestedVersion uint32 `json:"requested_version,omitempty"`
}

// LoadConfig reads a Config from a JSON file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}
	if cfg.BusSocket == "" {
		return nil, errors.Errorf("config %s: bus_socket is required", path)
	}
	return cfg, nil
}
