// Command tilegrab harvests raster tiles from a WMTS/XYZ source into
// timestamped MBTiles generations, on a schedule or once.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
