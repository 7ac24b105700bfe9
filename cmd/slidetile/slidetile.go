package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/slidetile/pkg/annot"
	"github.com/cyclopcam/slidetile/pkg/geom"
	"github.com/cyclopcam/slidetile/server/config"
	"github.com/cyclopcam/slidetile/server/project"
	"github.com/cyclopcam/slidetile/server/slide"
	"github.com/cyclopcam/slidetile/server/tiling"
	"github.com/joho/godotenv"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

type tileArgs struct {
	x, y, width, height, level *int
}

func addTileArgs(cmd *argparse.Command) tileArgs {
	return tileArgs{
		x:      cmd.Int("x", "x", &argparse.Options{Help: "Tile left edge, in level-0 pixels", Default: 0}),
		y:      cmd.Int("y", "y", &argparse.Options{Help: "Tile top edge, in level-0 pixels", Default: 0}),
		width:  cmd.Int("W", "width", &argparse.Options{Help: "Tile width, in pixels at the chosen level. Default from config."}),
		height: cmd.Int("H", "height", &argparse.Options{Help: "Tile height, in pixels at the chosen level. Default from config."}),
		level:  cmd.Int("l", "level", &argparse.Options{Help: "Downsample level (2^level). Default from config.", Default: -1}),
	}
}

func (a tileArgs) resolve(cfg *config.Config) (geom.Rect, int) {
	r := geom.MakeRect(*a.x, *a.y, *a.width, *a.height)
	if r.Width == 0 {
		r.Width = cfg.TileWidth
	}
	if r.Height == 0 {
		r.Height = cfg.TileHeight
	}
	level := *a.level
	if level < 0 {
		level = cfg.Level
	}
	return r, level
}

func main() {
	_ = godotenv.Load()

	parser := argparse.NewParser("slidetile", "Tile whole-slide images, and convert between annotations and label masks")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON config file (default slidetile.json, if present)"})
	projectFile := parser.String("p", "project", &argparse.Options{Help: "Project database. Overrides config."})

	classesCmd := parser.NewCommand("classes", "Show or replace the class catalog")
	classesSet := classesCmd.String("s", "set", &argparse.Options{Help: "Comma-separated classes, each ID[:RRGGBB]. The first is background. eg Background,Tumor:ff0000"})

	addImageCmd := parser.NewCommand("add-image", "Add a slide image to the project")
	addImageName := addImageCmd.String("n", "name", &argparse.Options{Help: "Image name", Required: true})
	addImageFile := addImageCmd.String("f", "file", &argparse.Options{Help: "Level-0 image file (JPEG or PNG)", Required: true})

	importCmd := parser.NewCommand("import", "Import GeoJSON annotations into an image")
	importImage := importCmd.String("i", "image", &argparse.Options{Help: "Image name", Required: true})
	importFile := importCmd.String("f", "file", &argparse.Options{Help: "GeoJSON file", Required: true})

	geojsonCmd := parser.NewCommand("geojson", "Export the annotations of an image as GeoJSON")
	geojsonImage := geojsonCmd.String("i", "image", &argparse.Options{Help: "Image name", Required: true})
	geojsonFile := geojsonCmd.String("o", "output", &argparse.Options{Help: "Output file", Required: true})

	exportCmd := parser.NewCommand("export", "Export image tiles with their label masks")
	exportImage := exportCmd.String("i", "image", &argparse.Options{Help: "Image name", Required: true})
	exportDir := exportCmd.String("o", "output", &argparse.Options{Help: "Output directory. Default from config."})
	exportSkipEmpty := exportCmd.Flag("", "skip-empty", &argparse.Options{Help: "Skip tiles without annotations"})

	maskCmd := parser.NewCommand("mask", "Rasterize the annotations of one tile into a PNG label mask")
	maskImage := maskCmd.String("i", "image", &argparse.Options{Help: "Image name", Required: true})
	maskFile := maskCmd.String("o", "output", &argparse.Options{Help: "Output PNG", Required: true})
	maskColor := maskCmd.Flag("", "color", &argparse.Options{Help: "Write class colors instead of class indices"})
	maskTile := addTileArgs(maskCmd)

	vectorizeCmd := parser.NewCommand("vectorize", "Convert a PNG label mask into annotations")
	vectorizeImage := vectorizeCmd.String("i", "image", &argparse.Options{Help: "Image name", Required: true})
	vectorizeFile := vectorizeCmd.String("f", "file", &argparse.Options{Help: "PNG label mask (pixel value is class index)", Required: true})
	vectorizeTile := addTileArgs(vectorizeCmd)

	mergeCmd := parser.NewCommand("merge", "Merge same-class annotations that are close to each other")
	mergeImage := mergeCmd.String("i", "image", &argparse.Options{Help: "Image name", Required: true})
	mergeDist := mergeCmd.Float("d", "distance", &argparse.Options{Help: "Maximum distance, in level-0 pixels. Default from config.", Default: -1.0})

	previewCmd := parser.NewCommand("preview", "Draw the annotations of one tile over the slide")
	previewImage := previewCmd.String("i", "image", &argparse.Options{Help: "Image name", Required: true})
	previewFile := previewCmd.String("o", "output", &argparse.Options{Help: "Output PNG", Required: true})
	previewTile := addTileArgs(previewCmd)

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)
	defer logger.Close()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *projectFile != "" {
		cfg.ProjectPath = *projectFile
	}

	proj, err := project.Open(logger, cfg.ProjectPath)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	defer proj.Close()

	service, err := tiling.NewService(logger, proj, slide.NewFileSource(logger, cfg.SlideCacheSize))
	check(err)

	app := &app{log: logger, cfg: cfg, project: proj, service: service}

	switch {
	case classesCmd.Happened():
		err = app.classes(*classesSet)
	case addImageCmd.Happened():
		err = app.addImage(*addImageName, *addImageFile)
	case importCmd.Happened():
		err = app.importGeoJSON(*importImage, *importFile)
	case geojsonCmd.Happened():
		err = app.exportGeoJSON(*geojsonImage, *geojsonFile)
	case exportCmd.Happened():
		err = app.export(*exportImage, *exportDir, *exportSkipEmpty)
	case maskCmd.Happened():
		tile, level := maskTile.resolve(cfg)
		err = app.mask(*maskImage, tile, level, *maskFile, *maskColor)
	case vectorizeCmd.Happened():
		tile, level := vectorizeTile.resolve(cfg)
		err = app.vectorize(*vectorizeImage, *vectorizeFile, tile, level)
	case mergeCmd.Happened():
		err = app.merge(*mergeImage, *mergeDist)
	case previewCmd.Happened():
		tile, level := previewTile.resolve(cfg)
		err = app.preview(*previewImage, tile, level, *previewFile)
	}
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

// parseClasses parses "Background,Tumor:ff0000,Stroma:00ff00"
func parseClasses(s string) ([]annot.Class, error) {
	classes := []annot.Class{}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, color, hasColor := strings.Cut(item, ":")
		c := annot.Class{ID: annot.ClassID(id)}
		if hasColor {
			v, err := strconv.ParseUint(strings.TrimPrefix(color, "#"), 16, 32)
			if err != nil || v > 0xffffff {
				return nil, fmt.Errorf("Invalid color '%v' for class %v", color, id)
			}
			c.Color = uint32(v)
		}
		classes = append(classes, c)
	}
	return classes, nil
}
