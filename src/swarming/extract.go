package swarming

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"unicode"
)

// outputMarkerRegexp matches the [run_isolated_out_hack]{...}[/run_isolated_out_hack]
// side channel (§6 "Output-marker side channel"). (?s) makes "." match
// newlines, since the marker's JSON body may be pretty-printed.
var outputMarkerRegexp = regexp.MustCompile(`(?s)\[run_isolated_out_hack\](.*?)\[/run_isolated_out_hack\]`)

// OutputLocation is the parsed payload of an output marker: coordinates of
// an output-artifact isolated tree on a CAS (§3 "Shard Result").
type OutputLocation struct {
	Storage   string `json:"storage"`
	Namespace string `json:"namespace"`
	Hash      string `json:"hash"`
}

// ExtractOutputLocation finds and parses the output-location marker in
// text, if present. Per DESIGN NOTES "Output marker", this is the single
// place in the codebase that knows the marker's regex and JSON shape -
// nothing else should parse it directly.
func ExtractOutputLocation(text string) (*OutputLocation, bool) {
	m := outputMarkerRegexp.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	var loc OutputLocation
	if err := json.Unmarshal([]byte(m[1]), &loc); err != nil {
		log.Warning("Malformed output marker: %s", err)
		return nil, false
	}
	if err := validateOutputLocation(&loc); err != nil {
		log.Warning("Invalid output marker: %s", err)
		return nil, false
	}
	return &loc, true
}

// validateOutputLocation checks storage is an absolute URL and every field
// is plain ASCII, per §6.
func validateOutputLocation(loc *OutputLocation) error {
	if loc.Storage == "" || loc.Namespace == "" || loc.Hash == "" {
		return fmt.Errorf("output marker is missing a required field")
	}
	u, err := url.Parse(loc.Storage)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("output marker storage %q is not an absolute URL", loc.Storage)
	}
	for _, field := range []string{loc.Storage, loc.Namespace, loc.Hash} {
		for _, r := range field {
			if r > unicode.MaxASCII {
				return fmt.Errorf("output marker field %q is not ASCII", field)
			}
		}
	}
	return nil
}
