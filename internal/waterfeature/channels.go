package waterfeature

// Channel describes one measurement slot on the instrument: its name,
// physical unit, and human-readable description.
type Channel struct {
	Name        string `json:"name"`
	Unit        string `json:"unit"`
	Description string `json:"description"`
}

// channelCatalogue is the fixed, ordered channel set of the WaterFeature8.
// Value fields in a reading line map onto this list positionally.
var channelCatalogue = []Channel{
	{Name: "EC", Unit: "μS/cm", Description: "Electrical Conductivity"},
	{Name: "RTD_EC", Unit: "°C", Description: "Temperature (EC compensation)"},
	{Name: "pH", Unit: "pH", Description: "pH Level"},
	{Name: "RTD_pH", Unit: "°C", Description: "Temperature (pH compensation)"},
	{Name: "DO", Unit: "mg/L", Description: "Dissolved Oxygen"},
	{Name: "RTD_DO", Unit: "°C", Description: "Temperature (DO compensation)"},
	{Name: "ORP", Unit: "mV", Description: "Oxidation-Reduction Potential"},
}

// Channels returns the instrument's channel catalogue in wire order.
// The returned slice is a copy; callers may modify it freely.
func Channels() []Channel {
	out := make([]Channel, len(channelCatalogue))
	copy(out, channelCatalogue)
	return out
}

// ChannelCount is the number of value fields the instrument reports per line.
// Fields beyond this count are ignored.
func ChannelCount() int {
	return len(channelCatalogue)
}
