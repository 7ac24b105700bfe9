package project

import (
	"github.com/cyclopcam/dbh"
	"github.com/paulmach/orb"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Class is one entry of the project's class catalog. Position is the local class index.
type Class struct {
	BaseModel
	Position int    `json:"position"`
	ClassID  string `json:"classId"` // Stable external identifier
	Name     string `json:"name"`
	Color    uint32 `json:"color"` // 0xRRGGBB
}

// Image is a whole-slide image that belongs to the project
type Image struct {
	BaseModel
	Name      string      `json:"name"` // Unique within the project. This is the image ID used by annotation collections.
	Path      string      `json:"path"` // Path of the level-0 image file
	Width     int         `json:"width"`
	Height    int         `json:"height"`
	CreatedAt dbh.IntTime `json:"createdAt"`
}

type Annotation struct {
	BaseModel
	ImageID      int64                            `json:"imageId"`
	AnnotationID int64                            `json:"annotationId"` // ID within the image's collection
	ClassID      string                           `json:"classId" gorm:"default:null"`
	Name         string                           `json:"name" gorm:"default:null"`
	Geometry     *dbh.JSONField[orb.MultiPolygon] `json:"geometry"`
}
