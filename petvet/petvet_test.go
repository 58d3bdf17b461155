package petvet

import (
	"testing"

	"github.com/ggoodman/mcp-session-gateway/internal/mcptest"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func connect(t *testing.T, opts ...Option) *mcp.ClientSession {
	t.Helper()
	tools, err := NewTools(opts)
	if err != nil {
		t.Fatalf("new tools: %v", err)
	}
	return mcptest.Connect(t, tools.Server(&mcp.Implementation{Name: ServerName, Version: ServerVersion}))
}

func TestPetTools(t *testing.T) {
	cs := connect(t)
	cases := []struct {
		tool string
		args map[string]any
		want string
	}{
		{
			tool: "get_pet_vaccination_info",
			args: map[string]any{"petId": "rex-1", "authorizationToken": "tok"},
			want: "Retrieved vaccination info for pet ID: rex-1",
		},
		{
			tool: "book_vet_appointment",
			args: map[string]any{"petId": "rex-1", "authorizationToken": "tok", "date": "2026-11-02", "time": "10:30 AM", "reason": "checkup"},
			want: "Booked vet appointment for pet ID: rex-1 on 2026-11-02 at 10:30 AM for: checkup",
		},
		{tool: "echo", args: map[string]any{"message": "Hello"}, want: "Echo: Hello"},
	}
	for _, tc := range cases {
		t.Run(tc.tool, func(t *testing.T) {
			if got := mcptest.Text(t, mcptest.Call(t, cs, tc.tool, tc.args)); got != tc.want {
				t.Fatalf("want %q got %q", tc.want, got)
			}
		})
	}
}

func TestRollDice(t *testing.T) {
	var asked int
	cs := connect(t, WithRoll(func(sides int) int { asked = sides; return 4 }))

	if got := mcptest.Text(t, mcptest.Call(t, cs, "roll_dice", map[string]any{"sides": 6})); got != "🎲 You rolled a 4!" {
		t.Fatalf("want rolled 4 got %q", got)
	}
	if asked != 6 {
		t.Fatalf("want six sides requested got %d", asked)
	}

	res := mcptest.Call(t, cs, "roll_dice", map[string]any{"sides": 1})
	if !res.IsError {
		t.Fatalf("want one-sided die rejected got %q", mcptest.Text(t, res))
	}
}

func TestDefaultRollInRange(t *testing.T) {
	for range 200 {
		if v := defaultRoll(3); v < 1 || v > 3 {
			t.Fatalf("want roll in [1,3] got %d", v)
		}
	}
}

func TestMissingArgumentsAreToolErrors(t *testing.T) {
	cs := connect(t)
	res := mcptest.Call(t, cs, "echo", map[string]any{"msg": "typo"})
	if !res.IsError {
		t.Fatalf("want unknown argument reported as tool error")
	}
}
