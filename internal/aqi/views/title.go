package views

import (
	"fmt"
	"strconv"
	"strings"

	"aqicache/internal/aqi/types"
)

const unknown = "N/A"

// Title renders the shown fields of r joined by " | ". Unknown values render as N/A.
func Title(r *types.Reading, o Options) string {
	if r == nil {
		return unknown
	}
	var parts []string
	for _, f := range Fields {
		if !o.Shown[f] {
			continue
		}
		parts = append(parts, part(f, r, o.TemperatureUnit))
	}
	return strings.Join(parts, " | ")
}

func part(f Field, r *types.Reading, unit TemperatureUnit) string {
	switch f {
	case FieldCity:
		return r.City
	case FieldAQI:
		return "AQI: " + strconv.Itoa(r.AQI)
	case FieldPM25:
		return "PM2.5: " + num(r.Pollutants.PM25)
	case FieldPM10:
		return "PM10: " + num(r.Pollutants.PM10)
	case FieldO3:
		return "O₃: " + num(r.Pollutants.O3)
	case FieldNO2:
		return "NO₂: " + num(r.Pollutants.NO2)
	case FieldSO2:
		return "SO₂: " + num(r.Pollutants.SO2)
	case FieldCO:
		return "CO: " + num(r.Pollutants.CO)
	case FieldTemperature:
		return temperature(r.Environment.Temperature, unit)
	case FieldHumidity:
		if r.Environment.Humidity == nil {
			return "RH: " + unknown
		}
		return "RH: " + num(r.Environment.Humidity) + "%"
	case FieldWind:
		if r.Environment.Wind == nil {
			return "Wind: " + unknown
		}
		return num(r.Environment.Wind) + "m/s"
	default:
		return string(f) + ": " + unknown
	}
}

func num(v *float64) string {
	if v == nil {
		return unknown
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func temperature(c *float64, unit TemperatureUnit) string {
	if c == nil {
		return unknown
	}
	if unit == Celsius {
		return num(c) + string(Celsius)
	}
	return fmt.Sprintf("%.1f%s", *c*9/5+32, Fahrenheit)
}
