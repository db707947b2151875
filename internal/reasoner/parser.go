// internal/reasoner/parser.go
package reasoner

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/deskhand/internal/agent"
)

// A regex to robustly extract a JSON object from a markdown code block.
var jsonBlockRegex = regexp.MustCompile(fmt.Sprintf("(?s)%s(?:json)?\\s*(.*?)\\s*%s", "```", "```"))

// parseAction extracts a single action from the model's raw response,
// handling markdown code fences and surrounding prose. The returned action
// has passed structural validation; anything else is an error the caller
// reports under the decision-parse code.
func parseAction(response string) (agent.Action, error) {
	response = strings.TrimSpace(response)
	var jsonStringToParse string

	matches := jsonBlockRegex.FindStringSubmatch(response)
	if len(matches) > 1 {
		jsonStringToParse = strings.TrimSpace(matches[1])
	} else {
		firstBracket := strings.Index(response, "{")
		lastBracket := strings.LastIndex(response, "}")
		if firstBracket != -1 && lastBracket != -1 && lastBracket > firstBracket {
			jsonStringToParse = response[firstBracket : lastBracket+1]
		} else {
			jsonStringToParse = response
		}
	}

	if jsonStringToParse == "" {
		return agent.Action{}, fmt.Errorf("could not find any JSON in the model response")
	}

	var action agent.Action
	if err := json.Unmarshal([]byte(jsonStringToParse), &action); err != nil {
		return agent.Action{}, fmt.Errorf("failed to unmarshal extracted JSON: %w", err)
	}

	if action.Kind == "" {
		return agent.Action{}, fmt.Errorf("model response missing required 'kind' field after successful JSON parsing")
	}
	if err := action.Validate(); err != nil {
		return agent.Action{}, fmt.Errorf("model proposed an invalid %s action: %w", action.Kind, err)
	}
	return action, nil
}
