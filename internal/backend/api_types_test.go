package backend

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivityDecode(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Activity
	}{
		{
			name: "agent message",
			body: `{"name":"sessions/1/activities/7","originator":"agent","createTime":"2026-08-29T10:00:00Z","agentMessaged":{"message":"All done."}}`,
			want: Activity{Name: "sessions/1/activities/7", Originator: "agent", Kind: activityMessage, Message: "All done."},
		},
		{
			name: "user echo",
			body: `{"name":"a/1","originator":"user","userMessaged":{"message":"please fix"}}`,
			want: Activity{Name: "a/1", Originator: "user", Kind: activityMessage, Message: "please fix"},
		},
		{
			name: "tool use",
			body: `{"name":"a/2","originator":"agent","toolUsed":{"toolName":"bash"}}`,
			want: Activity{Name: "a/2", Originator: "agent", Kind: activityTool, ToolName: "bash"},
		},
		{
			name: "plan generated",
			body: `{"name":"a/3","originator":"agent","planGenerated":{"steps":[{"title":"one"}]}}`,
			want: Activity{Name: "a/3", Originator: "agent", Kind: activityPlan},
		},
		{
			name: "plan approved",
			body: `{"name":"a/4","originator":"agent","planApproved":{}}`,
			want: Activity{Name: "a/4", Originator: "agent", Kind: activityPlan},
		},
		{
			name: "unknown payload keeps its key",
			body: `{"name":"a/5","originator":"agent","sessionCompleted":{"summary":"done"}}`,
			want: Activity{Name: "a/5", Originator: "agent", Kind: activityOther, RawKind: "sessionCompleted"},
		},
		{
			name: "metadata only",
			body: `{"name":"a/6","originator":"agent","description":"progress update"}`,
			want: Activity{Name: "a/6", Originator: "agent"},
		},
		{
			name: "scalar extras are not payloads",
			body: `{"name":"a/7","originator":"agent","priority":3,"toolUsed":{"toolName":"grep"}}`,
			want: Activity{Name: "a/7", Originator: "agent", Kind: activityTool, ToolName: "grep"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Activity
			require.NoError(t, json.Unmarshal([]byte(tt.body), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestActivityDecodeDeterministicUnknown(t *testing.T) {
	// Two unknown object payloads: the sorted-first key wins every time.
	body := `{"name":"a/1","zebraEvent":{},"alphaEvent":{}}`
	for i := 0; i < 20; i++ {
		var got Activity
		require.NoError(t, json.Unmarshal([]byte(body), &got))
		assert.Equal(t, "alphaEvent", got.RawKind)
	}
}

func TestActivityTranslate(t *testing.T) {
	tests := []struct {
		name     string
		activity Activity
		want     string
		ok       bool
	}{
		{"message", Activity{Kind: activityMessage, Message: "hello"}, "hello", true},
		{"message trims whitespace", Activity{Kind: activityMessage, Message: "  hi \n"}, "hi", true},
		{"empty message dropped", Activity{Kind: activityMessage, Message: "   "}, "", false},
		{"tool", Activity{Kind: activityTool, ToolName: "bash"}, "used tool: bash", true},
		{"tool without name", Activity{Kind: activityTool}, "used tool: unknown", true},
		{"plan", Activity{Kind: activityPlan}, "plan updated", true},
		{"other", Activity{Kind: activityOther, RawKind: "sessionCompleted"}, "[activity: sessionCompleted]", true},
		{"no payload dropped", Activity{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.activity.Translate()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSourceSlug(t *testing.T) {
	src := Source{}
	src.GithubRepo.Owner = "Joss"
	src.GithubRepo.Repo = "Relay"
	assert.Equal(t, "Joss/Relay", src.Slug())
}
