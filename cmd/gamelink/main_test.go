// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Gamelink Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigAppliesFlagOverrides(t *testing.T) {
	cfg, loader, err := loadConfig(context.Background(), &CLI{LogLevel: "debug", LogFormat: "verbose"})
	require.NoError(t, err)
	assert.Nil(t, loader, "no config file means no loader")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "verbose", cfg.Logging.Format)
}

func TestLoadConfigFlagBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644))

	cfg, loader, err := loadConfig(context.Background(), &CLI{Config: path, LogLevel: "debug"})
	require.NoError(t, err)
	assert.NotNil(t, loader)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigRejectsBadLevel(t *testing.T) {
	_, _, err := loadConfig(context.Background(), &CLI{LogLevel: "noisy"})
	require.Error(t, err)
}
