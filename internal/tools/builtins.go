package tools

import (
	"context"
	"fmt"
)

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "getWeatherInformation",
		Description: "show the weather in a given city to the user",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string"},
			},
			"required": []string{"city"},
		},
		RequiresConfirmation: true,
		Handler:              r.handleWeather,
	})

	r.Register(&Tool{
		Name:        "getLocalTime",
		Description: "get the local time for a specified location",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{"type": "string"},
			},
			"required": []string{"location"},
		},
		Handler: r.handleLocalTime,
	})
}

// handleWeather runs only after the user approves the call.
func (r *Registry) handleWeather(_ context.Context, args map[string]any) (string, error) {
	city := stringArg(args, "city")
	r.logger.Debug("getting weather information", "city", city)
	return fmt.Sprintf("The weather in %s is sunny", city), nil
}

func (r *Registry) handleLocalTime(_ context.Context, args map[string]any) (string, error) {
	r.logger.Debug("getting local time", "location", stringArg(args, "location"))
	return "10am", nil
}
