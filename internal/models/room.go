package models

// Room is a bookable room as known to the room directory.
type Room struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name,omitempty" yaml:"name"`
	Building string `json:"building,omitempty" yaml:"building"`
	Campus   string `json:"campus,omitempty" yaml:"campus"`
	Type     string `json:"type,omitempty" yaml:"type"`
	Floor    string `json:"floor,omitempty" yaml:"floor"`
	Capacity int    `json:"capacity" yaml:"capacity"`
}
