package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Command types accepted over the control socket.
const (
	CommandStart    = "start"
	CommandSend     = "send"
	CommandStop     = "stop"
	CommandSwitch   = "switch"
	CommandRemove   = "remove"
	CommandList     = "list"
	CommandFavorite = "favorite"
)

// commandSchemaJSON validates the shape of inbound control messages
// before any field is interpreted.
const commandSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {
			"type": "string",
			"enum": ["start", "send", "stop", "switch", "remove", "list", "favorite"]
		},
		"requestId": {"type": "string"},
		"sessionId": {"type": "string"},
		"text": {"type": "string"},
		"workingDir": {"type": "string"},
		"resume": {"type": "string"},
		"title": {"type": "string"},
		"favorite": {"type": "boolean"}
	},
	"additionalProperties": false
}`

var commandSchema = gojsonschema.NewStringLoader(commandSchemaJSON)

// Command is one inbound control message.
type Command struct {
	Type       string `json:"type"`
	RequestID  string `json:"requestId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Text       string `json:"text,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	Resume     string `json:"resume,omitempty"`
	Title      string `json:"title,omitempty"`
	Favorite   *bool  `json:"favorite,omitempty"`
}

// sessionRequired lists the commands that cannot operate without a
// session id.
var sessionRequired = map[string]bool{
	CommandSend:     true,
	CommandStop:     true,
	CommandSwitch:   true,
	CommandRemove:   true,
	CommandFavorite: true,
}

// ParseCommand validates raw bytes against the command schema and
// decodes them.
func ParseCommand(raw []byte) (*Command, error) {
	result, err := gojsonschema.Validate(commandSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid command payload: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("invalid command: %s", strings.Join(problems, "; "))
	}

	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("decoding command: %w", err)
	}
	if sessionRequired[cmd.Type] && cmd.SessionID == "" {
		return nil, fmt.Errorf("command %q requires a sessionId", cmd.Type)
	}
	if cmd.Type == CommandFavorite && cmd.Favorite == nil {
		return nil, fmt.Errorf("command %q requires a favorite value", cmd.Type)
	}
	return &cmd, nil
}
