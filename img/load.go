package img

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	_ "github.com/spakin/netpbm"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

type loadJob struct {
	label int32
	path  string
}

// LoadDir reads labelled images from dir. Each category k in 0..categories-1 is a sub-directory named
// with the decimal number k. If categories is zero then the categories are taken from the numeric
// sub-directories present, which must be numbered from zero without gaps. Each image is resized
// to width x height with three channels. Files which cannot be decoded are skipped with a warning.
// The returned images are ordered by category and then by file name.
func LoadDir(dir string, width, height, categories int) (*Data, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid image size %dx%d", width, height)
	}
	if categories <= 0 {
		n, err := countCategories(dir)
		if err != nil {
			return nil, err
		}
		categories = n
	}
	var jobs []loadJob
	classes := make([]string, categories)
	for k := range classes {
		classes[k] = strconv.Itoa(k)
		catDir := filepath.Join(dir, classes[k])
		entries, err := os.ReadDir(catDir)
		if err != nil {
			return nil, errors.Wrapf(err, "error reading category %d", k)
		}
		for _, e := range entries {
			if !e.IsDir() {
				jobs = append(jobs, loadJob{label: int32(k), path: filepath.Join(catDir, e.Name())})
			}
		}
	}
	images := make([]*Image, len(jobs))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			src, err := decodeFile(job.path)
			if err != nil {
				zap.S().Warnw("skipping image", "path", job.path, "error", err)
				return nil
			}
			images[i] = Resize(src, width, height)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var labels []int32
	var loaded []*Image
	for i, m := range images {
		if m != nil {
			labels = append(labels, jobs[i].label)
			loaded = append(loaded, m)
		}
	}
	zap.S().Infow("loaded images", "dir", dir, "categories", categories, "images", len(loaded), "skipped", len(jobs)-len(loaded))
	d := NewData(classes, labels, loaded)
	d.Dims = []int{3, height, width}
	return d, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, _, err := image.Decode(f)
	return m, err
}

func countCategories(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var nums []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil && n >= 0 {
			nums = append(nums, n)
		}
	}
	if len(nums) == 0 {
		return 0, errors.Errorf("no category directories found in %s", dir)
	}
	sort.Ints(nums)
	for i, n := range nums {
		if n != i {
			return 0, errors.Errorf("category directory %d missing from %s", i, dir)
		}
	}
	return len(nums), nil
}
