package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/novavoice/nova/internal/tools"
)

const (
	defaultGeocodeURL = "https://geocoding-api.open-meteo.com"
	defaultWeatherURL = "https://api.open-meteo.com"
)

// weatherCodes maps WMO weather interpretation codes to speakable phrases.
var weatherCodes = map[int]string{
	0: "clear skies", 1: "mostly clear", 2: "partly cloudy", 3: "overcast",
	45: "fog", 48: "freezing fog",
	51: "light drizzle", 53: "drizzle", 55: "heavy drizzle",
	61: "light rain", 63: "rain", 65: "heavy rain",
	71: "light snow", 73: "snow", 75: "heavy snow",
	80: "rain showers", 81: "rain showers", 82: "violent rain showers",
	95: "a thunderstorm", 96: "a thunderstorm with hail", 99: "a severe thunderstorm with hail",
}

func weatherTool(deps Deps) tools.Tool {
	geocodeURL := deps.GeocodeURL
	if geocodeURL == "" {
		geocodeURL = defaultGeocodeURL
	}
	weatherURL := deps.WeatherURL
	if weatherURL == "" {
		weatherURL = defaultWeatherURL
	}
	client := deps.HTTPClient

	return tools.Tool{
		Name:        "get_weather",
		Description: "Get the current weather for a city or place name.",
		Category:    "weather",
		Parameters: objectSchema(map[string]any{
			"location": map[string]any{
				"type":        "string",
				"description": "City or place name, e.g. Berlin",
			},
		}, "location"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			location := stringArg(args, "location")
			if location == "" {
				return nil, errors.New("location is required")
			}

			lat, lon, resolved, err := geocode(ctx, client, geocodeURL, location)
			if err != nil {
				return nil, err
			}
			return currentWeather(ctx, client, weatherURL, lat, lon, resolved)
		},
	}
}

func geocode(ctx context.Context, client *http.Client, base, location string) (lat, lon float64, name string, err error) {
	u := fmt.Sprintf("%s/v1/search?name=%s&count=1", base, url.QueryEscape(location))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, 0, "", fmt.Errorf("build geocode request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, "", fmt.Errorf("geocode %q: %w", location, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, "", fmt.Errorf("geocode %q: status %d", location, resp.StatusCode)
	}

	var result struct {
		Results []struct {
			Name      string  `json:"name"`
			Country   string  `json:"country"`
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, 0, "", fmt.Errorf("decode geocode response: %w", err)
	}
	if len(result.Results) == 0 {
		return 0, 0, "", fmt.Errorf("could not find a place called %q", location)
	}
	r := result.Results[0]
	name = r.Name
	if r.Country != "" {
		name += ", " + r.Country
	}
	return r.Latitude, r.Longitude, name, nil
}

func currentWeather(ctx context.Context, client *http.Client, base string, lat, lon float64, place string) (any, error) {
	u := fmt.Sprintf("%s/v1/forecast?latitude=%.4f&longitude=%.4f&current=temperature_2m,weather_code,wind_speed_10m,relative_humidity_2m", base, lat, lon)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build forecast request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch forecast: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch forecast: status %d", resp.StatusCode)
	}

	var result struct {
		Current struct {
			Temperature float64 `json:"temperature_2m"`
			WeatherCode int     `json:"weather_code"`
			WindSpeed   float64 `json:"wind_speed_10m"`
			Humidity    int     `json:"relative_humidity_2m"`
		} `json:"current"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode forecast response: %w", err)
	}

	condition, ok := weatherCodes[result.Current.WeatherCode]
	if !ok {
		condition = "changeable conditions"
	}
	return map[string]any{
		"location":    place,
		"temperature": result.Current.Temperature,
		"condition":   condition,
		"wind_kmh":    result.Current.WindSpeed,
		"humidity":    result.Current.Humidity,
		"summary":     fmt.Sprintf("%s: %.0f°C with %s.", place, result.Current.Temperature, condition),
	}, nil
}
