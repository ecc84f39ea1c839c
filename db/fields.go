package db

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

type StringSlice []string

func (c *StringSlice) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return errors.New("unsupported type for StringSlice")
	}
}

func (c StringSlice) Value() (driver.Value, error) {
	return json.Marshal(c)
}

type IntSlice []int

func (c *IntSlice) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return errors.New("unsupported type for IntSlice")
	}
}

func (c IntSlice) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Artifact is one entry reported by a plugin through an `artifact` message.
// The payload is plugin-defined; file artifacts carry a `paths` list.
type Artifact map[string]interface{}

// Paths returns the file paths carried by the artifact, if any.
func (a Artifact) Paths() []string {
	raw, ok := a["paths"]
	if !ok {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var paths []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			paths = append(paths, s)
		}
	}
	return paths
}

type ArtifactSlice []Artifact

func (c *ArtifactSlice) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return errors.New("unsupported type for ArtifactSlice")
	}
}

func (c ArtifactSlice) Value() (driver.Value, error) {
	return json.Marshal(c)
}
