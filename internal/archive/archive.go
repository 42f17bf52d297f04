// Package archive writes received instances to disk as part-10 files,
// laying them out by a DICOM-tag-templated storage pattern.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/flatmapit/dicomrelay/internal/dcm"
)

// DefaultPattern groups instances by patient, study and SOP instance.
const DefaultPattern = "{00100020}/{0020000D}/{00080018}.dcm"

var patternTag = regexp.MustCompile(`\{([0-9a-fA-F]{8})\}`)

// Writer stores part-10 files under BaseDir following Pattern.
type Writer struct {
	BaseDir string
	Pattern string
}

// NewWriter builds a writer; an empty pattern uses the default.
func NewWriter(baseDir, pattern string) *Writer {
	if pattern == "" {
		pattern = DefaultPattern
	}
	return &Writer{BaseDir: baseDir, Pattern: pattern}
}

// RenderPattern substitutes each {ggggeeee} token with the dataset's
// value for that tag.
func RenderPattern(pattern string, ds *dicom.Dataset) string {
	return patternTag.ReplaceAllStringFunc(pattern, func(m string) string {
		hex := m[1 : len(m)-1]
		var group, element uint16
		fmt.Sscanf(hex[:4], "%04x", &group)
		fmt.Sscanf(hex[4:], "%04x", &element)
		value := dcm.FindString(ds, tag.Tag{Group: group, Element: element})
		if value == "" {
			return "UNKNOWN"
		}
		return sanitize(value)
	})
}

func sanitize(v string) string {
	v = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, v)
	return strings.TrimSpace(v)
}

// WriteInstance encodes the dataset as a part-10 file and stores it at
// the rendered pattern path. It returns the file path written.
func (w *Writer) WriteInstance(ds *dicom.Dataset, cuid, iuid, tsuid string) (string, error) {
	file, err := dcm.EncodeFile(ds, cuid, iuid, tsuid)
	if err != nil {
		return "", fmt.Errorf("failed to encode instance %s: %w", iuid, err)
	}
	return w.WriteRaw(file, ds)
}

// WriteRaw stores already-assembled part-10 bytes.
func (w *Writer) WriteRaw(file []byte, ds *dicom.Dataset) (string, error) {
	relative := RenderPattern(w.Pattern, ds)
	path := filepath.Join(w.BaseDir, relative)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	if err := os.WriteFile(path, file, 0644); err != nil {
		return "", fmt.Errorf("failed to write archive file: %w", err)
	}
	logrus.Debugf("Archived instance to %s", path)
	return path, nil
}
