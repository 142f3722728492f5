// Package catalog loads the station directory from the radio-browser mirrors.
package catalog

import "strings"

const unknownStationName = "Unknown Station"

// Station is a radio-browser station record. Fields the relay does not use are omitted.
type Station struct {
	ID          string   `json:"stationuuid"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	ResolvedURL string   `json:"url_resolved"`
	Homepage    string   `json:"homepage"`
	Favicon     string   `json:"favicon"`
	Tags        string   `json:"tags"`
	Country     string   `json:"country"`
	CountryCode string   `json:"countrycode"`
	State       string   `json:"state"`
	Language    string   `json:"language"`
	Codec       string   `json:"codec"`
	Bitrate     int      `json:"bitrate"`
	Lat         *float64 `json:"geo_lat"`
	Lon         *float64 `json:"geo_long"`
}

// TagList splits the comma separated tags.
func (s Station) TagList() []string {
	var out []string
	for _, tag := range strings.Split(s.Tags, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

// StreamURL returns the URL to play: the resolved URL when known, else the listed one.
func (s Station) StreamURL() string {
	if s.ResolvedURL != "" {
		return s.ResolvedURL
	}
	return s.URL
}

// Normalize deduplicates raw records by id, keeping the first occurrence, fills in defaults,
// compacts the tag list and drops stations without a playable URL.
func Normalize(raw []Station) []Station {
	seen := make(map[string]struct{}, len(raw))
	out := make([]Station, 0, len(raw))
	for _, st := range raw {
		if st.ID == "" {
			continue
		}
		if _, dup := seen[st.ID]; dup {
			continue
		}
		seen[st.ID] = struct{}{}

		st.Name = strings.TrimSpace(st.Name)
		if st.Name == "" {
			st.Name = unknownStationName
		}
		st.ResolvedURL = strings.TrimSpace(st.StreamURL())
		if st.ResolvedURL == "" {
			continue
		}
		if st.URL == "" {
			st.URL = st.ResolvedURL
		}
		st.Tags = strings.Join(st.TagList(), ",")
		out = append(out, st)
	}
	return out
}
