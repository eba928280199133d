package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Server is a speedtest endpoint as listed by the catalog source.
type Server struct {
	bun.BaseModel `bun:"table:servers,alias:s" json:"-"`

	ID          string    `bun:",pk" json:"id"`
	Host        string    `bun:",notnull" json:"host"`
	Sponsor     string    `json:"sponsor"`
	Name        string    `json:"name"`
	Country     string    `json:"country"`
	CountryCode string    `json:"country_code,omitempty"`
	URL         string    `bun:",notnull" json:"url,omitempty"`
	Distance    float64   `json:"distance"`
	UpdatedAt   time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"-"`
}

// Target is the active server selection. A zero Target asks the runner to
// pick the best server itself.
type Target struct {
	Server   *Server
	ManualID string
}

func (t Target) String() string {
	switch {
	case t.Server != nil:
		return t.Server.ID
	case t.ManualID != "":
		return t.ManualID
	default:
		return "best"
	}
}
