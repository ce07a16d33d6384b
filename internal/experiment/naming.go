// Package experiment derives file names from experiment folder names.
//
// Folder names look like "20250522a01sao_20250522_141848.24568709": the
// part after the first dot is the camera serial and is not part of the
// name the processing workflow writes its outputs under.
package experiment

import "strings"

const MetadataFile = "metadata.yaml"

// InputExtensions are raw video containers; safe to delete once processed.
var InputExtensions = []string{"mp4", "avi", "mov"}

// BaseName strips the camera suffix.
func BaseName(name string) string {
	base, _, _ := strings.Cut(name, ".")
	return base
}

// ResultFiles are the outputs a successful workflow run leaves behind.
func ResultFiles(name string) []string {
	base := BaseName(name)
	return []string{base + ".pdf", base + "_tracks.pkl.gz"}
}

// PublishFiles are copied to cloud storage. Not every experiment has all of them.
func PublishFiles(name string) []string {
	return append(ResultFiles(name), MetadataFile)
}
