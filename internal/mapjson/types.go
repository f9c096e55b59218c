// Package mapjson converts story map documents to and from the versioned
// transport JSON used for persistence, export and snapshot history.
package mapjson

const (
	AppTag         = "storymap"
	CurrentVersion = 1
)

// Envelope is the v1 transport representation. Card lists are positional:
// the n-th list of a row belongs to the n-th step.
type Envelope struct {
	App         string           `json:"app"`
	V           int              `json:"v"`
	ID          string           `json:"id,omitempty"`
	Name        string           `json:"name,omitempty"`
	Steps       []Step           `json:"steps"`
	Users       [][]Card         `json:"users"`
	Activities  [][]Card         `json:"activities"`
	Slices      []Slice          `json:"slices"`
	Legend      []LegendEntry    `json:"legend,omitempty"`
	Notes       string           `json:"notes,omitempty"`
	PartialMaps []PartialMapJSON `json:"partialMaps,omitempty"`
}

type Card struct {
	Name   string   `json:"name,omitempty"`
	Body   string   `json:"body,omitempty"`
	Color  string   `json:"color,omitempty"`
	URL    string   `json:"url,omitempty"`
	Hidden bool     `json:"hidden,omitempty"`
	Status string   `json:"status,omitempty"`
	Points *float64 `json:"points,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// Step is a serialized column. Reference columns only carry the partial map
// fields.
type Step struct {
	Card
	PartialMapID     string `json:"partialMapId,omitempty"`
	PartialMapOrigin bool   `json:"partialMapOrigin,omitempty"`
}

type Slice struct {
	Name      string   `json:"name,omitempty"`
	Collapsed bool     `json:"collapsed,omitempty"`
	Stories   [][]Card `json:"stories"`
}

type LegendEntry struct {
	Color string `json:"color"`
	Label string `json:"label"`
}

// PartialMapJSON stories are indexed by main map slice position, then by the
// partial map's own step position.
type PartialMapJSON struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Steps      []Step     `json:"steps"`
	Users      [][]Card   `json:"users"`
	Activities [][]Card   `json:"activities"`
	Stories    [][][]Card `json:"stories"`
}
