// Package weather reaches the OpenWeatherMap API and exposes current
// conditions and short forecasts as agent tools.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hldeng/parley/internal/httpkit"
)

// DefaultBaseURL is the public OpenWeatherMap endpoint.
const DefaultBaseURL = "https://api.openweathermap.org"

// MaxForecastDays is the horizon of the free 5 day / 3 hour forecast.
const MaxForecastDays = 5

// ProviderError is a failed exchange with OpenWeatherMap.
type ProviderError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("openweathermap: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("openweathermap: %s", e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// HTTPStatus returns the upstream status code, zero if none.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// Client queries OpenWeatherMap. The API key travels with each call
// rather than living on the client.
type Client struct {
	baseURL      string
	defaultUnits string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewClient creates an OpenWeatherMap client. A nil httpClient gets a
// default httpkit client.
func NewClient(baseURL, defaultUnits string, httpClient *http.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if defaultUnits == "" {
		defaultUnits = "metric"
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithTimeout(10 * time.Second))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultUnits: defaultUnits,
		httpClient:   httpClient,
		logger:       logger,
	}
}

// Conditions is a normalized current-weather observation.
type Conditions struct {
	Location    string
	Country     string
	Description string
	Temp        float64
	FeelsLike   float64
	TempMin     float64
	TempMax     float64
	Humidity    int
	Pressure    int
	WindSpeed   float64
	Units       string
	ObservedAt  time.Time
}

// DayForecast summarizes one calendar day of the 3-hourly forecast.
type DayForecast struct {
	Date        string // YYYY-MM-DD in the location's local time
	Description string
	TempMin     float64
	TempMax     float64
	MaxPrecip   float64 // highest probability of precipitation, 0..1
}

// Forecast is a normalized multi-day forecast.
type Forecast struct {
	Location string
	Country  string
	Units    string
	Days     []DayForecast
}

type owmCondition struct {
	Main        string `json:"main"`
	Description string `json:"description"`
}

type owmMain struct {
	Temp      float64 `json:"temp"`
	FeelsLike float64 `json:"feels_like"`
	TempMin   float64 `json:"temp_min"`
	TempMax   float64 `json:"temp_max"`
	Pressure  int     `json:"pressure"`
	Humidity  int     `json:"humidity"`
}

type owmCurrentResponse struct {
	Name    string         `json:"name"`
	Dt      int64          `json:"dt"`
	Weather []owmCondition `json:"weather"`
	Main    owmMain        `json:"main"`
	Wind    struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Sys struct {
		Country string `json:"country"`
	} `json:"sys"`
}

type owmForecastResponse struct {
	List []struct {
		Dt      int64          `json:"dt"`
		Main    owmMain        `json:"main"`
		Weather []owmCondition `json:"weather"`
		Pop     float64        `json:"pop"`
	} `json:"list"`
	City struct {
		Name     string `json:"name"`
		Country  string `json:"country"`
		Timezone int    `json:"timezone"` // seconds east of UTC
	} `json:"city"`
}

// owmError is the body OpenWeatherMap sends with non-success statuses.
// cod is a number on some endpoints and a string on others.
type owmError struct {
	Cod     json.RawMessage `json:"cod"`
	Message string          `json:"message"`
}

// Current fetches current conditions for location.
func (c *Client) Current(ctx context.Context, apiKey, location, units string) (*Conditions, error) {
	units = c.units(units)
	var body owmCurrentResponse
	if err := c.get(ctx, "/data/2.5/weather", apiKey, url.Values{
		"q":     {location},
		"units": {units},
	}, &body); err != nil {
		return nil, err
	}

	cond := &Conditions{
		Location:   body.Name,
		Country:    body.Sys.Country,
		Temp:       body.Main.Temp,
		FeelsLike:  body.Main.FeelsLike,
		TempMin:    body.Main.TempMin,
		TempMax:    body.Main.TempMax,
		Humidity:   body.Main.Humidity,
		Pressure:   body.Main.Pressure,
		WindSpeed:  body.Wind.Speed,
		Units:      units,
		ObservedAt: time.Unix(body.Dt, 0).UTC(),
	}
	if len(body.Weather) > 0 {
		cond.Description = body.Weather[0].Description
	}
	if cond.Location == "" {
		cond.Location = location
	}
	return cond, nil
}

// Forecast fetches up to days days of forecast for location.
func (c *Client) Forecast(ctx context.Context, apiKey, location, units string, days int) (*Forecast, error) {
	if days <= 0 || days > MaxForecastDays {
		return nil, fmt.Errorf("days must be between 1 and %d", MaxForecastDays)
	}
	units = c.units(units)
	var body owmForecastResponse
	if err := c.get(ctx, "/data/2.5/forecast", apiKey, url.Values{
		"q":     {location},
		"units": {units},
	}, &body); err != nil {
		return nil, err
	}

	fc := &Forecast{
		Location: body.City.Name,
		Country:  body.City.Country,
		Units:    units,
	}
	if fc.Location == "" {
		fc.Location = location
	}

	tz := time.FixedZone("local", body.City.Timezone)
	index := make(map[string]int)
	counts := make(map[string]map[string]int)
	for _, entry := range body.List {
		date := time.Unix(entry.Dt, 0).In(tz).Format(time.DateOnly)
		i, ok := index[date]
		if !ok {
			if len(fc.Days) == days {
				continue
			}
			fc.Days = append(fc.Days, DayForecast{
				Date:    date,
				TempMin: entry.Main.TempMin,
				TempMax: entry.Main.TempMax,
			})
			i = len(fc.Days) - 1
			index[date] = i
			counts[date] = make(map[string]int)
		}
		day := &fc.Days[i]
		day.TempMin = min(day.TempMin, entry.Main.TempMin)
		day.TempMax = max(day.TempMax, entry.Main.TempMax)
		day.MaxPrecip = max(day.MaxPrecip, entry.Pop)
		if len(entry.Weather) > 0 {
			d := entry.Weather[0].Description
			counts[date][d]++
			if day.Description == "" || counts[date][d] > counts[date][day.Description] {
				day.Description = d
			}
		}
	}
	return fc, nil
}

func (c *Client) units(u string) string {
	switch u {
	case "metric", "imperial", "standard":
		return u
	default:
		return c.defaultUnits
	}
}

func (c *Client) get(ctx context.Context, path, apiKey string, params url.Values, out any) error {
	if apiKey == "" {
		return &ProviderError{Message: "api key not configured"}
	}
	params.Set("appid", apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("openweathermap: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &ProviderError{Message: "request timed out", Err: redact(err)}
		}
		return &ProviderError{Message: "request failed", Err: redact(err)}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	c.logger.Debug("openweathermap request",
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	if resp.StatusCode != http.StatusOK {
		return &ProviderError{StatusCode: resp.StatusCode, Message: errorMessage(httpkit.ReadErrorBody(resp.Body, 512))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Message: "decode response", Err: err}
	}
	return nil
}

func errorMessage(body string) string {
	var e owmError
	if err := json.Unmarshal([]byte(body), &e); err == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(body)
}

// redact strips the query string, which carries the API key, from URL
// errors before they reach logs or the model.
func redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if u, perr := url.Parse(uerr.URL); perr == nil {
			u.RawQuery = ""
			return &url.Error{Op: uerr.Op, URL: u.String(), Err: uerr.Err}
		}
	}
	return err
}

// FormatConditions renders conditions as compact text for the model.
func FormatConditions(c *Conditions) string {
	temp, speed := unitSymbols(c.Units)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Current weather in %s", c.Location)
	if c.Country != "" {
		fmt.Fprintf(&sb, ", %s", c.Country)
	}
	sb.WriteString(":\n")
	if c.Description != "" {
		fmt.Fprintf(&sb, "Conditions: %s\n", c.Description)
	}
	fmt.Fprintf(&sb, "Temperature: %.1f%s (feels like %.1f%s)\n", c.Temp, temp, c.FeelsLike, temp)
	fmt.Fprintf(&sb, "Low/High: %.1f%s / %.1f%s\n", c.TempMin, temp, c.TempMax, temp)
	fmt.Fprintf(&sb, "Humidity: %d%%\n", c.Humidity)
	fmt.Fprintf(&sb, "Wind: %.1f %s", c.WindSpeed, speed)
	return sb.String()
}

// FormatForecast renders at most maxItems days of forecast.
func FormatForecast(f *Forecast, maxItems int) string {
	temp, _ := unitSymbols(f.Units)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Forecast for %s", f.Location)
	if f.Country != "" {
		fmt.Fprintf(&sb, ", %s", f.Country)
	}
	sb.WriteString(":")
	if len(f.Days) == 0 {
		sb.WriteString("\nNo forecast data available.")
		return sb.String()
	}
	for i, d := range f.Days {
		if maxItems > 0 && i >= maxItems {
			break
		}
		fmt.Fprintf(&sb, "\n- %s: %s, %.0f%s to %.0f%s, precipitation chance %s%%",
			d.Date, d.Description, d.TempMin, temp, d.TempMax, temp,
			strconv.Itoa(int(d.MaxPrecip*100+0.5)))
	}
	return sb.String()
}

func unitSymbols(units string) (temp, speed string) {
	switch units {
	case "imperial":
		return "°F", "mph"
	case "standard":
		return "K", "m/s"
	default:
		return "°C", "m/s"
	}
}
