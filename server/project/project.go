// Package project stores a tiling project: its class catalog, its images, and the annotations of every image.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/slidetile/pkg/annot"
	"github.com/paulmach/orb"
	"gorm.io/gorm"
)

var ErrImageNotFound = errors.New("Image not found")

type Project struct {
	Log logs.Log
	DB  *gorm.DB
}

// Open or create a project database
func Open(logger logs.Log, dbFilename string) (*Project, error) {
	os.MkdirAll(filepath.Dir(dbFilename), 0777)
	db, err := dbh.OpenDB(logger, dbh.MakeSqliteConfig(dbFilename), Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open project database %v: %w", dbFilename, err)
	}
	return &Project{
		Log: logger,
		DB:  db,
	}, nil
}

func (p *Project) Close() {
	if sqlDB, err := p.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

// Catalog returns the class catalog, ordered by position.
// A project with no classes returns a catalog containing only a background class.
func (p *Project) Catalog() (*annot.Catalog, error) {
	rows := []Class{}
	if err := p.DB.Order("position").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return annot.NewCatalogFromIDs("Background")
	}
	classes := make([]annot.Class, 0, len(rows))
	for _, r := range rows {
		classes = append(classes, annot.Class{ID: annot.ClassID(r.ClassID), Name: r.Name, Color: r.Color})
	}
	return annot.NewCatalog(classes)
}

// SetClasses replaces the class catalog. Class indices are the positions in classes,
// so indices from the previous catalog are not valid anymore.
func (p *Project) SetClasses(classes []annot.Class) error {
	// Validate before touching the DB
	if _, err := annot.NewCatalog(classes); err != nil {
		return err
	}
	return p.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM class").Error; err != nil {
			return err
		}
		for i, c := range classes {
			row := Class{
				Position: i,
				ClassID:  string(c.ID),
				Name:     c.Name,
				Color:    c.Color,
			}
			if row.Name == "" {
				row.Name = row.ClassID
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ClassUsage counts the stored annotations of each class, over all images.
// Unclassified annotations are not counted.
func (p *Project) ClassUsage() (map[annot.ClassID]int, error) {
	type usage struct {
		ClassID string
		Count   int
	}
	rows := []usage{}
	if err := p.DB.Raw("SELECT class_id, COUNT(*) AS count FROM annotation WHERE class_id IS NOT NULL AND class_id <> '' GROUP BY class_id").Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := map[annot.ClassID]int{}
	for _, r := range rows {
		counts[annot.ClassID(r.ClassID)] = r.Count
	}
	return counts, nil
}

func (p *Project) AddImage(name, path string, width, height int) (*Image, error) {
	if _, err := p.Image(name); err == nil {
		return nil, fmt.Errorf("Image %v already exists", name)
	} else if !errors.Is(err, ErrImageNotFound) {
		return nil, err
	}
	img := Image{
		Name:      name,
		Path:      path,
		Width:     width,
		Height:    height,
		CreatedAt: dbh.MakeIntTime(time.Now()),
	}
	if err := p.DB.Create(&img).Error; err != nil {
		return nil, err
	}
	p.Log.Infof("Added image %v (%v x %v) from %v", name, width, height, path)
	return &img, nil
}

func (p *Project) Images() ([]Image, error) {
	images := []Image{}
	if err := p.DB.Order("id").Find(&images).Error; err != nil {
		return nil, err
	}
	return images, nil
}

func (p *Project) Image(name string) (*Image, error) {
	images := []Image{}
	if err := p.DB.Where("name = ?", name).Find(&images).Error; err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrImageNotFound, name)
	}
	return &images[0], nil
}

// LoadAnnotations reads the annotation collection of an image
func (p *Project) LoadAnnotations(imageName string) (*annot.Collection, error) {
	img, err := p.Image(imageName)
	if err != nil {
		return nil, err
	}
	rows := []Annotation{}
	if err := p.DB.Where("image_id = ?", img.ID).Order("annotation_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	coll := annot.NewCollection(img.Name)
	for _, r := range rows {
		if r.Geometry == nil {
			p.Log.Warnf("Image %v, annotation %v has no geometry", img.Name, r.AnnotationID)
			continue
		}
		if _, err := coll.Insert(r.AnnotationID, r.Geometry.Data, annot.ClassID(r.ClassID), r.Name); err != nil {
			return nil, fmt.Errorf("Failed to load annotation %v: %w", r.AnnotationID, err)
		}
	}
	return coll, nil
}

// SaveAnnotations replaces all of the stored annotations of the collection's image
func (p *Project) SaveAnnotations(coll *annot.Collection) error {
	img, err := p.Image(coll.ImageID)
	if err != nil {
		return err
	}
	all := coll.All()
	err = p.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM annotation WHERE image_id = ?", img.ID).Error; err != nil {
			return err
		}
		for _, a := range all {
			row := Annotation{
				ImageID:      img.ID,
				AnnotationID: a.ID,
				ClassID:      string(a.Class),
				Name:         a.Name,
				Geometry:     &dbh.JSONField[orb.MultiPolygon]{Data: a.Geometry},
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("Failed to save annotations of image %v: %w", img.Name, err)
	}
	p.Log.Infof("Saved %v annotations of image %v", len(all), img.Name)
	return nil
}
