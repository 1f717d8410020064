package model

import (
	"encoding/json"
	"time"
)

type NameAndVersion struct {
	Name    string `json:"name" gorm:"column:name" validate:"required,max=128"`
	Version string `json:"version" gorm:"column:version" validate:"required,max=64"`
}

type ParameterType string

const (
	ParameterTypeInputFile      ParameterType = "input_file"
	ParameterTypeInputDirectory ParameterType = "input_directory"
	ParameterTypeText           ParameterType = "text"
	ParameterTypeTextArea       ParameterType = "textarea"
	ParameterTypeInteger        ParameterType = "integer"
	ParameterTypeBoolean        ParameterType = "boolean"
	ParameterTypeEnumeration    ParameterType = "enumeration"
	ParameterTypeFloatingPoint  ParameterType = "floating_point"
	ParameterTypePeer           ParameterType = "peer"
)

type ApplicationParameter struct {
	Name         string          `json:"name"`
	Type         ParameterType   `json:"type"`
	Optional     bool            `json:"optional"`
	DefaultValue json.RawMessage `json:"defaultValue,omitempty"`
	Options      []string        `json:"options,omitempty"`
}

// Application is a catalog entry. Name and version identify it.
type Application struct {
	Name       string                             `gorm:"primaryKey;type:VARCHAR(255)"`
	Version    string                             `gorm:"primaryKey;type:VARCHAR(64)"`
	Title      string
	Tool       NameAndVersion                     `gorm:"embedded;embeddedPrefix:tool_"`
	Parameters *JSONField[[]ApplicationParameter] `gorm:"type:jsonb"`
	CreatedAt  time.Time
}

func (a Application) Reference() NameAndVersion {
	return NameAndVersion{Name: a.Name, Version: a.Version}
}

func (a Application) Parameter(name string) (ApplicationParameter, bool) {
	if a.Parameters == nil {
		return ApplicationParameter{}, false
	}
	for _, p := range a.Parameters.Data {
		if p.Name == name {
			return p, true
		}
	}
	return ApplicationParameter{}, false
}
