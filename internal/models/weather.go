package models

import "fmt"

// WeatherRecord is the current-weather value carried across the broker.
// Field order matches the wire order used by the parcel codec.
type WeatherRecord struct {
	Name        string  `json:"name"`
	WindSpeed   float64 `json:"speed"`
	WindDeg     float64 `json:"deg"`
	Temperature float64 `json:"temp"`
	Humidity    int64   `json:"humidity"`
	Sunrise     int64   `json:"sunrise"` // epoch seconds
	Sunset      int64   `json:"sunset"`  // epoch seconds
}

func (r WeatherRecord) String() string {
	return fmt.Sprintf("%s: temp=%.1f humidity=%d%% wind=%.1fm/s @ %.0f° sunrise=%d sunset=%d",
		r.Name, r.Temperature, r.Humidity, r.WindSpeed, r.WindDeg, r.Sunrise, r.Sunset)
}
