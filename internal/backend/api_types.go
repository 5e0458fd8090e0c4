package backend

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// Source is a repository linked to the remote account.
type Source struct {
	Name       string `json:"name"`
	ID         string `json:"id,omitempty"`
	GithubRepo struct {
		Owner string `json:"owner"`
		Repo  string `json:"repo"`
	} `json:"githubRepo"`
}

// Slug returns the source's owner/repo form.
func (s Source) Slug() string {
	return s.GithubRepo.Owner + "/" + s.GithubRepo.Repo
}

type listSourcesResponse struct {
	Sources       []Source `json:"sources"`
	NextPageToken string   `json:"nextPageToken,omitempty"`
}

// remoteSession is the remote session resource.
type remoteSession struct {
	Name  string `json:"name"`
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
}

type createSessionRequest struct {
	Prompt        string `json:"prompt"`
	Title         string `json:"title,omitempty"`
	SourceContext struct {
		Source            string `json:"source"`
		GithubRepoContext struct {
			StartingBranch string `json:"startingBranch"`
		} `json:"githubRepoContext"`
	} `json:"sourceContext"`
}

type sendMessageRequest struct {
	Prompt string `json:"prompt"`
}

type listActivitiesResponse struct {
	Activities []Activity `json:"activities"`
}

// Originator values the activity feed uses.
const (
	originatorUser  = "user"
	originatorAgent = "agent"
)

// Activity payload kinds after decoding.
const (
	activityMessage = "message"
	activityTool    = "tool"
	activityPlan    = "plan"
	activityOther   = "other"
	activityEmpty   = ""
)

// Activity is one record from the remote activity feed. The wire shape
// carries metadata fields plus exactly one object-valued payload key;
// UnmarshalJSON folds that oneof into Kind.
type Activity struct {
	Name       string
	Originator string

	Kind     string
	Message  string
	ToolName string
	// RawKind preserves the payload key for unrecognized shapes.
	RawKind string
}

// metadata keys that are not payloads.
var activityMetadataKeys = map[string]struct{}{
	"name":        {},
	"id":          {},
	"originator":  {},
	"description": {},
	"createTime":  {},
	"updateTime":  {},
}

func (a *Activity) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["name"]; ok {
		json.Unmarshal(v, &a.Name)
	}
	if v, ok := raw["originator"]; ok {
		json.Unmarshal(v, &a.Originator)
	}

	// The payload is the single object-valued key outside the metadata
	// set. Unknown keys are sorted so decoding stays deterministic even
	// if a response ever carries more than one.
	var unknown []string
	for k, v := range raw {
		if _, meta := activityMetadataKeys[k]; meta {
			continue
		}
		if len(v) == 0 || v[0] != '{' {
			continue
		}
		switch k {
		case "agentMessaged", "userMessaged":
			var p struct {
				Message string `json:"message"`
			}
			json.Unmarshal(v, &p)
			a.Kind = activityMessage
			a.Message = p.Message
		case "toolUsed":
			var p struct {
				ToolName string `json:"toolName"`
			}
			json.Unmarshal(v, &p)
			a.Kind = activityTool
			a.ToolName = p.ToolName
		case "planGenerated", "planUpdated", "planApproved":
			a.Kind = activityPlan
		default:
			unknown = append(unknown, k)
		}
	}

	if a.Kind == activityEmpty && len(unknown) > 0 {
		sort.Strings(unknown)
		a.Kind = activityOther
		a.RawKind = unknown[0]
	}
	return nil
}

// Translate renders the activity as display text. ok is false for
// payloads with no recognizable content, which are dropped.
func (a Activity) Translate() (string, bool) {
	switch a.Kind {
	case activityMessage:
		text := strings.TrimSpace(a.Message)
		return text, text != ""
	case activityTool:
		name := a.ToolName
		if name == "" {
			name = "unknown"
		}
		return "used tool: " + name, true
	case activityPlan:
		return "plan updated", true
	case activityOther:
		return fmt.Sprintf("[activity: %s]", a.RawKind), true
	default:
		return "", false
	}
}
