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

package llm

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenTokenizer adapts a tiktoken encoding to the Tokenizer
// interface. It is the default tokenizer for engines that do not ship
// their own.
type TiktokenTokenizer struct {
	encoding *tiktoken.Tiktoken
	name     string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// NewTiktokenTokenizer returns a tokenizer for the named encoding,
// falling back to cl100k_base when the name is empty or unknown.
func NewTiktokenTokenizer(encodingName string) (*TiktokenTokenizer, error) {
	if encodingName == "" {
		encodingName = "cl100k_base"
	}

	cacheMu.Lock()
	defer cacheMu.Unlock()

	encoding, ok := encodingCache[encodingName]
	if !ok {
		var err error
		encoding, err = tiktoken.GetEncoding(encodingName)
		if err != nil {
			encoding, err = tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				return nil, fmt.Errorf("failed to get encoding: %w", err)
			}
		}
		encodingCache[encodingName] = encoding
	}

	return &TiktokenTokenizer{encoding: encoding, name: encodingName}, nil
}

// Encode converts bytes to tokens.
func (t *TiktokenTokenizer) Encode(b []byte) []int {
	return t.encoding.Encode(string(b), nil, nil)
}

// Decode converts tokens back to bytes.
func (t *TiktokenTokenizer) Decode(tokens []int) []byte {
	return []byte(t.encoding.Decode(tokens))
}

// Name returns the encoding name.
func (t *TiktokenTokenizer) Name() string {
	return t.name
}
