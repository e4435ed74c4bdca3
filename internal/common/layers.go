package common

// Layer identifiers and defaults for the federal WMS service
const (
	// DefaultWMSBaseURL is the GetMap endpoint of the federal geoportal
	DefaultWMSBaseURL = "https://wms.geo.admin.ch/"

	// DefaultCRS is the Swiss LV95 coordinate reference system
	DefaultCRS = "EPSG:2056"

	// LayerZeitreihen is the historical national map time series
	LayerZeitreihen = "ch.swisstopo.zeitreihen"

	// LayerSwissImage is the SWISSIMAGE aerial orthophoto time travel product
	LayerSwissImage = "ch.swisstopo.swissimage-product"

	// DisplayNameZeitreihen is the human-readable layer name
	DisplayNameZeitreihen = "Journey Through Time"

	// DisplayNameSwissImage is the human-readable layer name
	DisplayNameSwissImage = "SWISSIMAGE Time Travel"

	// FormatPNG and FormatJPEG are the GetMap output formats
	FormatPNG  = "image/png"
	FormatJPEG = "image/jpeg"
)

// DefaultFormat returns the image format a layer is requested in by default
func DefaultFormat(layer string) string {
	if layer == LayerSwissImage {
		return FormatJPEG
	}
	return FormatPNG
}

// DisplayName returns the human-readable name of a known layer, or the layer id
func DisplayName(layer string) string {
	switch layer {
	case LayerZeitreihen:
		return DisplayNameZeitreihen
	case LayerSwissImage:
		return DisplayNameSwissImage
	default:
		return layer
	}
}
