// Package imagefolder feeds image classification training from ImageNet-style
// directory trees.
//
// The expected layout is one subdirectory per class:
//
//	root/
//	    n01440764/
//	        img_1.jpg
//	        img_2.jpg
//	    n01443537/
//	        ...
//
// Class names are the sorted subdirectory names, and a sample's label is its
// class's position in that order. Alternatively, a plain text map file next to
// root (train_map.txt or val_map.txt) lists one "relative/path label" pair per
// line and takes precedence over the directory walk.
//
// Dataset implements GoMLX's train.Dataset: batches follow a
// sampler.VariableBatchSampler schedule, images are augmented with the
// transforms package and stacked into tensors with images.ToTensor. Because
// the sampler draws every batch's resolution from a small fixed scale set, the
// number of distinct tensor shapes -- and so of JIT-compiled graphs -- stays
// bounded.
package imagefolder

import (
	"bufio"
	"image"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
)

// Sample is one image file and its class label.
type Sample struct {
	Path  string
	Label int32
}

// TrainMapFile and ValMapFile are the names of the optional sample map files,
// looked up in the parent directory of the dataset root.
const (
	TrainMapFile = "train_map.txt"
	ValMapFile   = "val_map.txt"
)

func validExtension(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp":
		return true
	}
	return false
}

// scanClasses returns the sorted class subdirectory names of root.
func scanClasses(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read dataset root %q", root)
	}
	var classes []string
	for _, entry := range entries {
		// os.ReadDir returns entries sorted by name.
		if entry.IsDir() {
			classes = append(classes, entry.Name())
		}
	}
	return classes, nil
}

// scanSamples walks each class subdirectory and lists its image files, sorted
// within the class.
func scanSamples(root string, classes []string) ([]Sample, error) {
	var samples []Sample
	for classIdx, class := range classes {
		classDir := filepath.Join(root, class)
		entries, err := os.ReadDir(classDir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read class directory %q", classDir)
		}
		for _, entry := range entries {
			if entry.IsDir() || !validExtension(entry.Name()) {
				continue
			}
			samples = append(samples, Sample{
				Path:  filepath.Join(classDir, entry.Name()),
				Label: int32(classIdx),
			})
		}
	}
	return samples, nil
}

// loadMapFile reads samples from a map file with one "relative/path label"
// pair per line, paths relative to root. Blank lines are skipped. It returns
// the samples and the largest label seen.
func loadMapFile(root, mapPath string) (samples []Sample, maxLabel int32, err error) {
	f, err := os.Open(mapPath)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to open map file %q", mapPath)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, 0, errors.Errorf("%s:%d: want \"path label\", got %q", mapPath, lineNum, line)
		}
		label, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, 0, errors.Wrapf(err, "%s:%d: failed to parse label", mapPath, lineNum)
		}
		if label < 0 || label > math.MaxInt32 {
			return nil, 0, errors.Errorf("%s:%d: labels must be >= 0 and fit in int32, got %d", mapPath, lineNum, label)
		}
		samples = append(samples, Sample{
			Path:  filepath.Join(root, filepath.FromSlash(fields[0])),
			Label: int32(label),
		})
		maxLabel = max(maxLabel, int32(label))
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, errors.Wrapf(err, "failed to read map file %q", mapPath)
	}
	if len(samples) == 0 {
		return nil, 0, errors.Errorf("map file %q lists no samples", mapPath)
	}
	return samples, maxLabel, nil
}

// loadImage opens and decodes one image file.
func loadImage(imgPath string) (image.Image, error) {
	f, err := os.Open(imgPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	return img, err
}

// zeroImage returns an all-black w x h substitute for a corrupt sample.
func zeroImage(h, w int) image.Image {
	return image.NewNRGBA(image.Rect(0, 0, w, h))
}
