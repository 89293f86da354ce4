package storage

import (
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
)

// maxReferenceDim caps reference image dimensions before a provider
// upload; the upstream app rejects or re-encodes anything larger anyway.
const maxReferenceDim = 2048

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".gif":  true,
	".bmp":  true,
}

// NormalizeReferenceImage downscales an oversized reference image in
// place, preserving aspect ratio. Non-image files and files that fail to
// decode pass through untouched.
func NormalizeReferenceImage(path string) error {
	if !imageExtensions[strings.ToLower(filepath.Ext(path))] {
		return nil
	}

	img, err := imaging.Open(path)
	if err != nil {
		log.WithError(err).WithField("file", filepath.Base(path)).
			Debug("reference image not decodable, uploading as-is")
		return nil
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxReferenceDim && bounds.Dy() <= maxReferenceDim {
		return nil
	}

	resized := imaging.Fit(img, maxReferenceDim, maxReferenceDim, imaging.Lanczos)
	if err := imaging.Save(resized, path); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"file": filepath.Base(path),
		"from": bounds.Size().String(),
	}).Info("downscaled reference image")
	return nil
}
