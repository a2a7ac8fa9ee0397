package pipeline

import "path"

// Managed output subdirectories. They are cleared before every run.
const (
	LabelsDir     = "labels"
	OverlaysDir   = "overlays"
	BoundariesDir = "boundaries"
)

// ManagedDirs lists the per-image artifact directories.
func ManagedDirs() []string {
	return []string{LabelsDir, OverlaysDir, BoundariesDir}
}

// LabelsPath returns the slash-separated label TIFF path for an image.
func LabelsPath(imageID string) string {
	return path.Join(LabelsDir, imageID+"_labels.tif")
}

// OverlayPath returns the slash-separated overlay PNG path for an image.
func OverlayPath(imageID string) string {
	return path.Join(OverlaysDir, imageID+"_overlays.png")
}

// BoundariesPath returns the slash-separated boundaries PNG path for an image.
func BoundariesPath(imageID string) string {
	return path.Join(BoundariesDir, imageID+"_boundaries.png")
}

// ArtifactPaths returns every artifact path of an image, sorted.
func ArtifactPaths(imageID string) []string {
	return []string{BoundariesPath(imageID), LabelsPath(imageID), OverlayPath(imageID)}
}

// Run-level output files written at the top of the output directory.
const (
	MeasurementsFile  = "nucleus_measurements.csv"
	AreaHistogramFile = "nucleus_area_histogram.png"
)
