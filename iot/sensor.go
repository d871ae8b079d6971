package iot

// SensorType names a built-in payload format
type SensorType string

// Built-in sensor types
const (
	SensorTemperature  SensorType = "temperature"
	SensorHumidity     SensorType = "humidity"
	SensorPressure     SensorType = "pressure"
	SensorLight        SensorType = "light"
	SensorDistance     SensorType = "distance"
	SensorAcceleration SensorType = "acceleration"
	SensorGyroscope    SensorType = "gyroscope"
	SensorMotion       SensorType = "motion"
	SensorSound        SensorType = "sound"
	SensorAirQuality   SensorType = "airQuality"
	SensorGPS          SensorType = "gps"
	SensorButton       SensorType = "button"
	SensorAnalog       SensorType = "analog"
	SensorDigital      SensorType = "digital"
	SensorJSON         SensorType = "json"
	SensorCustom       SensorType = "custom"
)

// SensorSpec is the extraction rule and natural output range of a sensor
type SensorSpec struct {
	Extract Extractor
	Min     float64
	Max     float64
}

var sensorSpecs = map[SensorType]SensorSpec{
	SensorTemperature:  {ExtractNumber, -40, 85},
	SensorHumidity:     {ExtractNumber, 0, 100},
	SensorPressure:     {ExtractNumber, 300, 1100},
	SensorLight:        {ExtractNumber, 0, 100000},
	SensorDistance:     {ExtractNumber, 0, 400},
	SensorAcceleration: {ExtractMagnitude, 0, 16},
	SensorGyroscope:    {ExtractMagnitude, 0, 2000},
	SensorMotion:       {ExtractTruthy, 0, 1},
	SensorSound:        {ExtractNumber, 0, 120},
	SensorAirQuality:   {ExtractNumber, 0, 500},
	SensorGPS:          {ExtractCSV(0), -90, 90},
	SensorButton:       {ExtractTruthy, 0, 1},
	SensorAnalog:       {ExtractNumber, 0, 1023},
	SensorDigital:      {ExtractTruthy, 0, 1},
	SensorJSON:         {ExtractJSONKey("value"), 0, 1},
	SensorCustom:       {ExtractNumber, 0, 1},
}

// LookupSensor returns the range and extractor of a sensor type. Unknown types get the
// numeric extractor over [0,1] and ok=false.
func LookupSensor(t SensorType) (SensorSpec, bool) {
	spec, ok := sensorSpecs[t]
	if !ok {
		return SensorSpec{Extract: ExtractNumber, Min: 0, Max: 1}, false
	}
	return spec, true
}

// SensorTypes lists the built-in sensor types
func SensorTypes() []SensorType {
	return []SensorType{
		SensorTemperature, SensorHumidity, SensorPressure, SensorLight, SensorDistance,
		SensorAcceleration, SensorGyroscope, SensorMotion, SensorSound, SensorAirQuality,
		SensorGPS, SensorButton, SensorAnalog, SensorDigital, SensorJSON, SensorCustom,
	}
}
