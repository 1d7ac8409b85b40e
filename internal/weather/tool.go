package weather

import (
	"context"
	"fmt"

	"github.com/hldeng/parley/internal/tools"
)

// Tool names.
const (
	CurrentToolName  = "get_current_weather"
	ForecastToolName = "get_weather_forecast"
)

// CredentialKey is the executor credential injected as the API key.
const CredentialKey = "weather.api_key"

// CurrentArgs are the arguments of get_current_weather.
type CurrentArgs struct {
	Location string `json:"location" jsonschema:"required" jsonschema_description:"City name, optionally with an ISO 3166 country code, e.g. Shanghai or Paris,FR"`
	Units    string `json:"units,omitempty" jsonschema:"enum=metric,enum=imperial,enum=standard" jsonschema_description:"Unit system for temperatures and wind speed"`
	APIKey   string `json:"appid,omitempty" credential:"weather.api_key"`
}

// ForecastArgs are the arguments of get_weather_forecast.
type ForecastArgs struct {
	Location string `json:"location" jsonschema:"required" jsonschema_description:"City name, optionally with an ISO 3166 country code, e.g. Shanghai or Paris,FR"`
	Units    string `json:"units,omitempty" jsonschema:"enum=metric,enum=imperial,enum=standard" jsonschema_description:"Unit system for temperatures"`
	Days     int    `json:"days,omitempty" jsonschema:"minimum=1,maximum=5" jsonschema_description:"Number of days to forecast, 1 to 5 (default 3)"`
	APIKey   string `json:"appid,omitempty" credential:"weather.api_key"`
}

// Register adds the weather tools to reg. maxItems caps forecast days
// shown to the model.
func Register(reg *tools.Registry, c *Client, maxItems int) {
	reg.Register(&tools.Tool{
		Name:        CurrentToolName,
		Description: "Get the current weather conditions for a city: temperature, conditions, humidity and wind.",
		Args:        CurrentArgs{},
		Handler:     CurrentHandler(c),
	})
	reg.Register(&tools.Tool{
		Name:        ForecastToolName,
		Description: "Get a daily weather forecast for a city for up to 5 days.",
		Args:        ForecastArgs{},
		Handler:     ForecastHandler(c, maxItems),
	})
}

// CurrentHandler returns the get_current_weather tool handler.
func CurrentHandler(c *Client) tools.Handler {
	return func(ctx context.Context, raw map[string]any) (string, error) {
		var args CurrentArgs
		if err := tools.DecodeArgs(raw, &args); err != nil {
			return "", err
		}
		cond, err := c.Current(ctx, args.APIKey, args.Location, args.Units)
		if err != nil {
			return "", err
		}
		return FormatConditions(cond), nil
	}
}

// ForecastHandler returns the get_weather_forecast tool handler.
func ForecastHandler(c *Client, maxItems int) tools.Handler {
	return func(ctx context.Context, raw map[string]any) (string, error) {
		var args ForecastArgs
		if err := tools.DecodeArgs(raw, &args); err != nil {
			return "", err
		}
		if args.Days == 0 {
			args.Days = 3
		}
		if args.Days < 1 || args.Days > MaxForecastDays {
			return "", fmt.Errorf("days must be between 1 and %d: %w", MaxForecastDays, tools.ErrInvalidArguments)
		}
		fc, err := c.Forecast(ctx, args.APIKey, args.Location, args.Units, args.Days)
		if err != nil {
			return "", err
		}
		return FormatForecast(fc, maxItems), nil
	}
}
