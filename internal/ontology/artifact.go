// Package ontology provides the ontology artifact threaded through pipeline stages
// and the snapshot providers that produce a project's current ontology.
package ontology

import (
	"fmt"
	"path"
	"strings"
)

// Format names a serialization of an ontology document.
type Format string

// Supported formats.
const (
	FormatTurtle     Format = "turtle"
	FormatRDFXML     Format = "rdfxml"
	FormatOWLXML     Format = "owlxml"
	FormatJSONLD     Format = "jsonld"
	FormatFunctional Format = "ofn"
)

var extensions = map[Format]string{
	FormatTurtle:     ".ttl",
	FormatRDFXML:     ".rdf",
	FormatOWLXML:     ".owx",
	FormatJSONLD:     ".jsonld",
	FormatFunctional: ".ofn",
}

var contentTypes = map[Format]string{
	FormatTurtle:     "text/turtle",
	FormatRDFXML:     "application/rdf+xml",
	FormatOWLXML:     "application/owl+xml",
	FormatJSONLD:     "application/ld+json",
	FormatFunctional: "text/owl-functional",
}

// Extension returns the file extension used for f, defaulting to ".owl".
func (f Format) Extension() string {
	if ext, ok := extensions[f]; ok {
		return ext
	}
	return ".owl"
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if ct, ok := contentTypes[f]; ok {
		return ct
	}
	return "application/octet-stream"
}

// FormatFromPath guesses the format from a file name.
func FormatFromPath(p string) (Format, error) {
	ext := strings.ToLower(path.Ext(p))
	switch ext {
	case ".owl", ".rdf", ".xml":
		return FormatRDFXML, nil
	}
	for f, e := range extensions {
		if e == ext {
			return f, nil
		}
	}
	return "", fmt.Errorf("unrecognized ontology file extension %q", ext)
}

// Artifact is an ontology document in a given serialization.
type Artifact struct {
	Format Format
	Data   []byte
}

// Size returns the document size in bytes.
func (a *Artifact) Size() int {
	if a == nil {
		return 0
	}
	return len(a.Data)
}

// Snapshot is a point-in-time ontology plus the project revision it was taken at.
type Snapshot struct {
	Artifact *Artifact
	Revision int64
}
