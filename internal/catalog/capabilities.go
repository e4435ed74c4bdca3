package catalog

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"imagery-timelapse/internal/common"
	"imagery-timelapse/internal/logging"
)

// WMS 1.3.0 XML structures for parsing capabilities
type Capabilities struct {
	XMLName    xml.Name   `xml:"WMS_Capabilities"`
	Version    string     `xml:"version,attr"`
	Capability capability `xml:"Capability"`
}

type capability struct {
	Layers []Layer `xml:"Layer"`
}

// Layer is a (possibly nested) WMS layer with its dimensions
type Layer struct {
	Name       string      `xml:"Name"`
	Title      string      `xml:"Title"`
	Abstract   string      `xml:"Abstract"`
	Dimensions []Dimension `xml:"Dimension"`
	Layers     []Layer     `xml:"Layer"`
}

// Dimension is a WMS dimension declaration such as TIME
type Dimension struct {
	Name    string `xml:"name,attr"`
	Units   string `xml:"units,attr"`
	Default string `xml:"default,attr"`
	Values  string `xml:",chardata"`
}

// ParseCapabilities decodes a WMS GetCapabilities document
func ParseCapabilities(data []byte) (*Capabilities, error) {
	var caps Capabilities
	if err := xml.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	return &caps, nil
}

// FindLayer walks the layer tree and returns the named layer
func (c *Capabilities) FindLayer(name string) (*Layer, bool) {
	return findLayer(c.Capability.Layers, name)
}

func findLayer(layers []Layer, name string) (*Layer, bool) {
	for i := range layers {
		if layers[i].Name == name {
			return &layers[i], true
		}
		if found, ok := findLayer(layers[i].Layers, name); ok {
			return found, true
		}
	}
	return nil, false
}

// TimeLabels returns the discrete values of the layer's time dimension
func (l *Layer) TimeLabels() ([]common.TimeLabel, error) {
	for _, dim := range l.Dimensions {
		if !strings.EqualFold(dim.Name, "time") {
			continue
		}

		var labels []common.TimeLabel
		for _, v := range strings.Split(dim.Values, ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if strings.Contains(v, "/") {
				return nil, fmt.Errorf("layer %s: time intervals are not supported (%s)", l.Name, v)
			}
			labels = append(labels, common.TimeLabel(v))
		}
		if len(labels) == 0 {
			return nil, fmt.Errorf("layer %s: time dimension has no values", l.Name)
		}
		return labels, nil
	}
	return nil, fmt.Errorf("layer %s has no time dimension", l.Name)
}

// Discoverer reads layer catalogs from a WMS service and keeps them for a TTL
type Discoverer struct {
	client *http.Client
	cache  *ttlcache.Cache[string, *Catalog]
	logger zerolog.Logger
}

// NewDiscoverer creates a discoverer. A nil client uses http.DefaultClient.
func NewDiscoverer(client *http.Client, ttl time.Duration) *Discoverer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Discoverer{
		client: client,
		cache: ttlcache.New[string, *Catalog](
			ttlcache.WithTTL[string, *Catalog](ttl),
			ttlcache.WithDisableTouchOnHit[string, *Catalog](),
		),
		logger: logging.Component("catalog"),
	}
}

// Discover returns the catalog of layer as advertised by the service at baseURL
func (d *Discoverer) Discover(ctx context.Context, baseURL, layer string) (*Catalog, error) {
	key := baseURL + "|" + layer
	if item := d.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	capsURL, err := capabilitiesURL(baseURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, capsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create capabilities request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch capabilities: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch capabilities: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	caps, err := ParseCapabilities(data)
	if err != nil {
		return nil, err
	}

	found, ok := caps.FindLayer(layer)
	if !ok {
		return nil, fmt.Errorf("layer %s not advertised by %s", layer, baseURL)
	}

	labels, err := found.TimeLabels()
	if err != nil {
		return nil, err
	}

	cat := &Catalog{Layer: layer, Labels: labels}
	d.cache.Set(key, cat, ttlcache.DefaultTTL)

	d.logger.Debug().
		Str("layer", layer).
		Int("labels", len(labels)).
		Msg("Discovered time labels from capabilities")

	return cat, nil
}

// Resolve returns the service catalog, falling back to the built-in one when
// discovery fails for a layer that has a built-in catalog
func (d *Discoverer) Resolve(ctx context.Context, baseURL, layer string) (*Catalog, error) {
	cat, err := d.Discover(ctx, baseURL, layer)
	if err == nil {
		return cat, nil
	}

	builtin, builtinErr := Builtin(layer)
	if builtinErr != nil {
		return nil, err
	}

	d.logger.Warn().Err(err).Str("layer", layer).Msg("Capabilities unavailable, using built-in catalog")
	return builtin, nil
}

func capabilitiesURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid WMS base URL %q: %w", baseURL, err)
	}
	q := u.Query()
	q.Set("SERVICE", "WMS")
	q.Set("REQUEST", "GetCapabilities")
	q.Set("VERSION", "1.3.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
