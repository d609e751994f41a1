package views

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Field is one value a consumer may show in the title.
type Field string

const (
	FieldCity        Field = "City"
	FieldAQI         Field = "AQI"
	FieldPM25        Field = "PM2.5"
	FieldPM10        Field = "PM10"
	FieldO3          Field = "O₃"
	FieldNO2         Field = "NO₂"
	FieldSO2         Field = "SO₂"
	FieldCO          Field = "CO"
	FieldTemperature Field = "Temperature"
	FieldHumidity    Field = "Humidity"
	FieldWind        Field = "Wind"
)

// Fields lists every field in title order.
var Fields = []Field{
	FieldCity, FieldAQI, FieldPM25, FieldPM10, FieldO3, FieldNO2,
	FieldSO2, FieldCO, FieldTemperature, FieldHumidity, FieldWind,
}

type TemperatureUnit string

const (
	Celsius    TemperatureUnit = "°C"
	Fahrenheit TemperatureUnit = "°F"
)

// Options selects what Title renders. It has no effect on caching or scheduling.
type Options struct {
	Shown           map[Field]bool  `json:"shown"`
	TemperatureUnit TemperatureUnit `json:"temperatureUnit"`
}

func DefaultOptions() Options {
	return Options{
		Shown: map[Field]bool{
			FieldAQI:         true,
			FieldTemperature: true,
			FieldHumidity:    true,
		},
		TemperatureUnit: Fahrenheit,
	}
}

// Set shows or hides f.
func (o *Options) Set(f Field, shown bool) {
	if o.Shown == nil {
		o.Shown = make(map[Field]bool)
	}
	o.Shown[f] = shown
}

// ParseField accepts a field name, case-insensitively, with ASCII digits in
// place of subscripts ("o3", "no2", "pm25").
func ParseField(s string) (Field, error) {
	key := normalize(s)
	for _, f := range Fields {
		if normalize(string(f)) == key {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown display field %q", s)
}

func ParseTemperatureUnit(s string) (TemperatureUnit, error) {
	switch strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(s), "°")) {
	case "C", "CELSIUS":
		return Celsius, nil
	case "F", "FAHRENHEIT":
		return Fahrenheit, nil
	default:
		return "", fmt.Errorf("unknown temperature unit %q", s)
	}
}

var subscripts = strings.NewReplacer("₂", "2", "₃", "3", ".", "", " ", "", "_", "")

func normalize(s string) string {
	return strings.ToLower(subscripts.Replace(strings.TrimSpace(s)))
}

type optionsFile struct {
	TemperatureUnit string   `toml:"temperature_unit"`
	Show            []string `toml:"show"`
}

// LoadOptions reads display options from a TOML file:
//
//	temperature_unit = "C"
//	show = ["City", "AQI", "PM2.5"]
//
// An empty path returns DefaultOptions. Keys left out keep their defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	if path == "" {
		return opts, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read display config: %w", err)
	}
	return parseOptions(b)
}

func parseOptions(b []byte) (Options, error) {
	opts := DefaultOptions()
	var f optionsFile
	if err := toml.Unmarshal(b, &f); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return Options{}, fmt.Errorf("parse display config at %d:%d: %w", row, col, err)
		}
		return Options{}, fmt.Errorf("parse display config: %w", err)
	}
	if f.TemperatureUnit != "" {
		unit, err := ParseTemperatureUnit(f.TemperatureUnit)
		if err != nil {
			return Options{}, err
		}
		opts.TemperatureUnit = unit
	}
	if f.Show != nil {
		opts.Shown = make(map[Field]bool, len(f.Show))
		for _, name := range f.Show {
			field, err := ParseField(name)
			if err != nil {
				return Options{}, err
			}
			opts.Shown[field] = true
		}
	}
	return opts, nil
}
