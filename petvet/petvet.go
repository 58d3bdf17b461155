// Package petvet is the authenticated demo tool set: pet records behind
// bearer auth, plus the echo and dice tools used by the sample clients.
package petvet

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/ggoodman/mcp-session-gateway/mcpservice"
)

const (
	ServerName    = "example-server"
	ServerVersion = "1.0.0"
)

type vaccinationArgs struct {
	PetID              string `json:"petId" jsonschema:"description=The unique identifier for the pet."`
	AuthorizationToken string `json:"authorizationToken" jsonschema:"description=A token representing the user's logged-in session and consent to access this pet's data."`
}

type appointmentArgs struct {
	PetID              string `json:"petId" jsonschema:"description=The unique identifier for the pet."`
	AuthorizationToken string `json:"authorizationToken" jsonschema:"description=A token representing the user's logged-in session and consent to access this pet's data."`
	Date               string `json:"date" jsonschema:"description=Desired date for the appointment (e.g. YYYY-MM-DD)."`
	Time               string `json:"time" jsonschema:"description=Desired time for the appointment (e.g. HH:MM AM/PM)."`
	Reason             string `json:"reason" jsonschema:"description=The reason for the vet visit."`
}

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Text to send back"`
}

type diceArgs struct {
	Sides int `json:"sides" jsonschema:"description=Number of sides on the die,minimum=2"`
}

// Roll returns a value in [1, sides].
type Roll func(sides int) int

func defaultRoll(sides int) int { return 1 + rand.IntN(sides) }

// Option configures Tools.
type Option func(*config)

type config struct {
	roll Roll
}

// WithRoll replaces the dice source.
func WithRoll(r Roll) Option {
	return func(c *config) { c.roll = r }
}

// Tools returns the petvet tool set.
func Tools(opts ...Option) []mcpservice.Tool {
	cfg := config{roll: defaultRoll}
	for _, opt := range opts {
		opt(&cfg)
	}
	return []mcpservice.Tool{
		mcpservice.NewTool("get_pet_vaccination_info", func(ctx context.Context, a vaccinationArgs) (any, error) {
			return fmt.Sprintf("Retrieved vaccination info for pet ID: %s", a.PetID), nil
		}, mcpservice.WithToolDescription("Retrieves the vaccination history and upcoming vaccination dates for a specific pet. Requires user authentication and explicit consent via an authorization token.")),

		mcpservice.NewTool("book_vet_appointment", func(ctx context.Context, a appointmentArgs) (any, error) {
			return fmt.Sprintf("Booked vet appointment for pet ID: %s on %s at %s for: %s", a.PetID, a.Date, a.Time, a.Reason), nil
		}, mcpservice.WithToolDescription("Books a new veterinary appointment for a specific pet. Requires user authentication and explicit consent via an authorization token.")),

		mcpservice.NewTool("echo", func(ctx context.Context, a echoArgs) (any, error) {
			return "Echo: " + a.Message, nil
		}, mcpservice.WithToolDescription("Echoes a message back.")),

		mcpservice.NewTool("roll_dice", func(ctx context.Context, a diceArgs) (any, error) {
			if a.Sides < 2 {
				return mcpservice.Errorf("sides must be at least 2, got %d", a.Sides), nil
			}
			return fmt.Sprintf("🎲 You rolled a %d!", cfg.roll(a.Sides)), nil
		}, mcpservice.WithToolDescription("Rolls an N-sided die")),
	}
}

// NewTools builds the petvet registry.
func NewTools(toolOpts []Option, opts ...mcpservice.ToolsOption) (*mcpservice.Tools, error) {
	return mcpservice.NewTools(Tools(toolOpts...), opts...)
}
