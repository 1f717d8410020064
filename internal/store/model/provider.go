package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Provider is the directory entry of a provider.
type Provider struct {
	ID        string `gorm:"primaryKey;type:VARCHAR(255)"`
	Domain    string `gorm:"not null"`
	Port      int    `gorm:"not null"`
	Https     bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ProviderList []Provider

func (p Provider) BaseURL() string {
	scheme := "http"
	if p.Https {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.Domain, p.Port)
}

func (p Provider) StreamURL() string {
	scheme := "ws"
	if p.Https {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.Domain, p.Port)
}

func (p Provider) String() string {
	val, _ := json.Marshal(p)
	return string(val)
}
