package transport

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Script drives the simulator: each user turn is answered by the first
// reply whose Match is contained in the turn (case-insensitive), or by
// Fallback.
type Script struct {
	SessionPrefix string  `yaml:"sessionPrefix"`
	Replies       []Reply `yaml:"replies"`
	Fallback      Reply   `yaml:"fallback"`
}

// Reply is one canned answer.
type Reply struct {
	Match string         `yaml:"match"`
	Text  string         `yaml:"text"`
	Tools []ScriptedTool `yaml:"tools,omitempty"`
}

// ScriptedTool is a tool invocation the simulator reports before finishing
// the reply.
type ScriptedTool struct {
	Name      string         `yaml:"name"`
	Arguments map[string]any `yaml:"arguments,omitempty"`
	Result    string         `yaml:"result,omitempty"`
	Error     string         `yaml:"error,omitempty"`
}

// DefaultScript is used when no script file is configured.
func DefaultScript() *Script {
	return &Script{
		SessionPrefix: "demo",
		Replies: []Reply{
			{
				Match: "weather",
				Text:  "It is currently 18°C and partly cloudy in the cluster's region.",
				Tools: []ScriptedTool{{
					Name:      "get_weather",
					Arguments: map[string]any{"location": "cluster-region"},
					Result:    `{"temp_c":18,"conditions":"partly cloudy"}`,
				}},
			},
			{
				Match: "pods",
				Text:  "There are 3 agent pods running and all of them report ready.",
				Tools: []ScriptedTool{{
					Name:      "kubectl_get",
					Arguments: map[string]any{"resource": "pods"},
					Result:    "3 pods ready",
				}},
			},
			{
				Match: "fail",
				Text:  "The lookup tool failed, so I could not complete that request.",
				Tools: []ScriptedTool{{
					Name:  "lookup",
					Error: "upstream returned 503",
				}},
			},
		},
		Fallback: Reply{
			Text: "This is a simulated agent running in demo mode. Ask me about the weather or the pods in this namespace.",
		},
	}
}

// LoadScript reads a YAML simulator script.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing script: %w", err)
	}
	if s.SessionPrefix == "" {
		s.SessionPrefix = "demo"
	}
	if s.Fallback.Text == "" {
		s.Fallback = DefaultScript().Fallback
	}
	return &s, nil
}

// Pick returns the reply for a user turn.
func (s *Script) Pick(content string) Reply {
	lower := strings.ToLower(content)
	for _, r := range s.Replies {
		if r.Match != "" && strings.Contains(lower, strings.ToLower(r.Match)) {
			return r
		}
	}
	return s.Fallback
}
