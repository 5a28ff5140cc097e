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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gamelink-ai/gamelink/pkg/protocol"
)

// Decision options presented to the model.
const (
	optionAction = "action"
	optionSay    = "say"
	optionWait   = "wait"
)

// Act is a chosen action and its generated payload. Data is nil when
// the action has no schema.
type Act struct {
	Name string
	Data *string
}

// DeciderConfig holds the generation knobs.
type DeciderConfig struct {
	Temperature float64
	// EnforceSchema constrains action payloads to the registered
	// schema. When false, payloads are free-form JSON.
	EnforceSchema bool
}

// Decider owns the decision flows: pick an action, fill in its
// payload, or speak. All entry points run on the scheduler worker;
// re-entrance is excluded by the single-flight invariant.
type Decider struct {
	log    *Log
	cfg    DeciderConfig
	logger *slog.Logger

	warnedSchemas map[string]bool
	onSay         func(text string)
}

// NewDecider creates a decider over the given log.
func NewDecider(log *Log, cfg DeciderConfig, logger *slog.Logger) *Decider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decider{
		log:           log,
		cfg:           cfg,
		logger:        logger,
		warnedSchemas: make(map[string]bool),
	}
}

// Log returns the underlying conversation log.
func (d *Decider) Log() *Log {
	return d.log
}

// SetOnSay registers a callback fired with every spoken message.
func (d *Decider) SetOnSay(fn func(text string)) {
	d.onSay = fn
}

// Context appends a contextual update as a user-role message.
func (d *Decider) Context(ctx context.Context, text string, flags MessageFlags) error {
	_, err := d.log.AppendMessage(ctx, RoleUser, text, flags)
	return err
}

// ForceAction handles a game-initiated force: the model must pick one
// of the named actions. The registered table filters the requested
// names; misses are logged and skipped.
func (d *Decider) ForceAction(ctx context.Context, force protocol.ForceActionData, registered map[string]protocol.Action) (*Act, error) {
	actions := make([]protocol.Action, 0, len(force.ActionNames))
	for _, name := range force.ActionNames {
		action, ok := registered[name]
		if !ok {
			d.logger.Warn("Force names unregistered action", "action", name)
			continue
		}
		actions = append(actions, action)
	}
	if len(actions) == 0 {
		return nil, errors.New("force matched no registered actions")
	}

	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf(`You must perform one of the following actions, given this information:
`+"```json"+`
{
    "query": %s,
    "state": %s,
    "available_actions": %s
}
`+"```", mustJSONString(force.Query), mustJSONString(force.State), actionsJSON)

	mark := d.log.Position()
	if err := d.Context(ctx, prompt, MessageFlags{Ephemeral: force.Ephemeral()}); err != nil {
		return nil, err
	}
	act, err := d.Action(ctx, actions)
	if force.Ephemeral() {
		if rbErr := d.log.Rollback(mark); rbErr != nil {
			d.logger.Error("Rollback after ephemeral force failed", "error", rbErr)
		}
	}
	return act, err
}

// Action makes the model pick one of the actions and generates a
// payload conforming to its schema.
func (d *Decider) Action(ctx context.Context, actions []protocol.Action) (*Act, error) {
	if len(actions) == 0 {
		return nil, errors.New("no actions to choose from")
	}
	if err := d.log.EnsureRoom(ctx, 200); err != nil {
		return nil, err
	}

	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.Name
	}

	opts := GenerateOptions{Temperature: d.cfg.Temperature}

	if err := d.log.Open(ctx, RoleAssistant); err != nil {
		return nil, err
	}
	if err := d.log.Append(ctx, "```json\n{\n    \"command\": \"action\",\n    \"action_name\": \""); err != nil {
		return nil, err
	}
	name, err := d.log.Generate(ctx, SelectGrammar{Options: names}, opts)
	if err != nil {
		return nil, err
	}
	var chosen protocol.Action
	for _, a := range actions {
		if a.Name == name {
			chosen = a
			break
		}
	}

	schemaJSON, err := json.Marshal(chosen.Schema)
	if err != nil {
		return nil, err
	}
	if err := d.log.Append(ctx, "\",\n    \"schema\": "+string(schemaJSON)+",\n    \"data\": "); err != nil {
		return nil, err
	}

	var data *string
	if chosen.Schema == nil {
		if err := d.log.Append(ctx, "null"); err != nil {
			return nil, err
		}
	} else {
		genSchema := d.generationSchema(chosen)
		genOpts := opts
		genOpts.MaxTokens = d.log.MaxTokens(100000)
		payload, err := d.log.Generate(ctx, JSONGrammar{Schema: genSchema}, genOpts)
		if err != nil {
			return nil, err
		}
		data = &payload
	}

	if err := d.log.Append(ctx, "\n}\n```"); err != nil {
		return nil, err
	}
	if _, err := d.log.Close(ctx, MessageFlags{}); err != nil {
		return nil, err
	}

	d.logger.Debug("Chose action", "action", name, "data", stringOr(data, "<none>"))
	return &Act{Name: name, Data: data}, nil
}

// generationSchema returns the schema used for payload generation:
// nil when enforcement is off, otherwise the registered schema with
// unsupported keywords filtered (warned once per action name).
func (d *Decider) generationSchema(action protocol.Action) map[string]any {
	if !d.cfg.EnforceSchema {
		return nil
	}
	filtered, removed := FilterSchema(action.Schema)
	if len(removed) > 0 && !d.warnedSchemas[action.Name] {
		d.warnedSchemas[action.Name] = true
		d.logger.Warn("Schema contains unsupported keywords, they cannot be enforced",
			"action", action.Name, "keywords", removed)
	}
	return filtered
}

// TryAction asks the model whether to act, speak, or wait. It returns
// the chosen action, or nil when the model declines (including when it
// chose to speak).
func (d *Decider) TryAction(ctx context.Context, actions []protocol.Action, allowSay bool) (*Act, error) {
	if len(actions) == 0 && !allowSay {
		d.logger.Debug("Nothing to try")
		return nil, nil
	}

	room := 500
	if allowSay {
		room = 1000
	}
	if err := d.log.EnsureRoom(ctx, room); err != nil {
		return nil, err
	}

	prompt := "Decide what to do next based on previous context."
	if len(actions) > 0 {
		actionsJSON, err := json.Marshal(actions)
		if err != nil {
			return nil, err
		}
		prompt += fmt.Sprintf("\nThe following actions are available to you:\n```json\n{\n    \"available_actions\": %s\n}\n```", actionsJSON)
	}

	options := make([]string, 0, 3)
	if len(actions) > 0 {
		options = append(options, optionAction)
	}
	if allowSay {
		options = append(options, optionSay)
	}
	options = append(options, optionWait)
	if len(options) > 1 {
		optionsJSON, _ := json.Marshal(options)
		prompt += fmt.Sprintf("\nRespond with one of these options: %s", optionsJSON)
	}

	// The prompt and the decision are scratch work; only the chosen
	// action (generated after the rollback) stays in the context.
	mark := d.log.Position()
	if err := d.Context(ctx, prompt, MessageFlags{Ephemeral: true}); err != nil {
		return nil, err
	}

	opts := GenerateOptions{Temperature: d.cfg.Temperature}
	if err := d.log.Open(ctx, RoleAssistant); err != nil {
		return nil, err
	}
	if err := d.log.Append(ctx, "```json\n{\n    \"command\": \""); err != nil {
		return nil, err
	}
	decision, err := d.log.Generate(ctx, SelectGrammar{Options: options}, opts)
	if err != nil {
		return nil, err
	}
	if err := d.log.Append(ctx, "\"\n}\n```"); err != nil {
		return nil, err
	}
	if _, err := d.log.Close(ctx, MessageFlags{Ephemeral: true}); err != nil {
		return nil, err
	}
	if err := d.log.Rollback(mark); err != nil {
		d.logger.Error("Rollback after try prompt failed", "error", err)
	}

	d.logger.Info("Decision", "decision", decision)
	switch decision {
	case optionAction:
		return d.Action(ctx, actions)
	case optionSay:
		if _, err := d.Say(ctx, ""); err != nil {
			return nil, err
		}
		return nil, nil
	case optionWait:
		return nil, nil
	default:
		return nil, fmt.Errorf("unhandled decision %q", decision)
	}
}

// Say makes the model speak. An empty message is generated by the
// model; otherwise the literal message is recorded.
func (d *Decider) Say(ctx context.Context, message string) (string, error) {
	if err := d.log.EnsureRoom(ctx, 520); err != nil {
		return "", err
	}

	if err := d.log.Open(ctx, RoleAssistant); err != nil {
		return "", err
	}
	if err := d.log.Append(ctx, "```json\n{\n    \"command\": \"say\",\n    \"message\": \""); err != nil {
		return "", err
	}

	said := message
	if said == "" {
		var err error
		said, err = d.log.Generate(ctx, FreeTextGrammar{Stop: []string{"\n", "\""}}, GenerateOptions{
			Temperature: d.cfg.Temperature,
			MaxTokens:   d.log.MaxTokens(500),
		})
		if err != nil {
			return "", err
		}
	} else {
		if err := d.log.Append(ctx, said); err != nil {
			return "", err
		}
	}

	if err := d.log.Append(ctx, "\"\n}\n```"); err != nil {
		return "", err
	}
	if _, err := d.log.Close(ctx, MessageFlags{}); err != nil {
		return "", err
	}

	d.logger.Info("Say", "message", said)
	if d.onSay != nil {
		d.onSay(said)
	}
	return said, nil
}

func mustJSONString(s string) string {
	out, _ := json.Marshal(s)
	return string(out)
}

func stringOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
