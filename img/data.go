package img

import (
	"bufio"
	"encoding/gob"
	"io"
	"math"
	"math/rand"
	"os"

	"github.com/jnb666/trafficnet/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Image data set which implements the nnet.Data interface
type Data struct {
	DataHead
	Images []*Image
}

type DataHead struct {
	Class  []string
	Dims   []int
	Labels []int32
}

// Create a new image set. All of the images must be the same size.
func NewData(classes []string, labels []int32, images []*Image) *Data {
	if len(labels) != len(images) {
		panic("NewData: number of labels does not match number of images")
	}
	var dims []int
	if len(images) > 0 {
		dims = images[0].Shape()
	}
	return &Data{
		DataHead: DataHead{Class: classes, Dims: dims, Labels: labels},
		Images:   images,
	}
}

// Len function returns number of images
func (d *Data) Len() int { return len(d.Labels) }

// Classes functions number of differerent label values
func (d *Data) Classes() []string { return d.Class }

// Shape returns channels, height, width
func (d *Data) Shape() []int { return d.Dims }

// Label returns classification for given images
func (d *Data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

// Input copies the pixel data for the given images to buf
func (d *Data) Input(index []int, buf []float32) {
	nfeat := d.nfeat()
	for i, ix := range index {
		copy(buf[i*nfeat:(i+1)*nfeat], d.Images[ix].Pix)
	}
}

// Image returns given image number, if channel is set then just show this colour channel
func (d *Data) Image(ix int, channel string) *Image {
	src := d.Images[ix]
	ch, haveChannel := map[string]int{"r": 0, "g": 1, "b": 2}[channel]
	if !haveChannel {
		return src
	}
	dst := NewImageLike(src)
	for i := 0; i < src.Channels; i++ {
		copy(dst.Pixels(i), src.Pixels(ch))
	}
	return dst
}

// Slice returns images from start to end
func (d *Data) Slice(start, end int) *Data {
	data := *d
	data.Labels = append([]int32{}, d.Labels[start:end]...)
	data.Images = append([]*Image{}, d.Images[start:end]...)
	return &data
}

// Subset returns a new data set with the images at the given indexes.
func (d *Data) Subset(index []int) *Data {
	data := *d
	data.Labels = make([]int32, len(index))
	data.Images = make([]*Image, len(index))
	for i, ix := range index {
		data.Labels[i] = d.Labels[ix]
		data.Images[i] = d.Images[ix]
	}
	return &data
}

// Split shuffles the data and partitions it into a training and test set, where the test set
// has ceil(testFrac * Len()) images.
func (d *Data) Split(testFrac float64, rng *rand.Rand) (train, test *Data) {
	if testFrac < 0 || testFrac > 1 {
		panic("Split: test fraction must be in range 0-1")
	}
	nTest := int(math.Ceil(testFrac * float64(d.Len())))
	perm := rng.Perm(d.Len())
	return d.Subset(perm[nTest:]), d.Subset(perm[:nTest])
}

// Counts returns the number of images in each class
func (d *Data) Counts() []int {
	counts := make([]int, len(d.Class))
	for _, l := range d.Labels {
		if int(l) < len(counts) {
			counts[l]++
		}
	}
	return counts
}

func (d *Data) nfeat() int {
	n := 1
	for _, d := range d.Dims {
		n *= d
	}
	return n
}

// Encode data to binary file
func (d *Data) Encode(w io.Writer) error {
	enc := gob.NewEncoder(w)
	if err := enc.Encode(&d.DataHead); err != nil {
		return errors.Wrap(err, "error encoding header")
	}
	for i, img := range d.Images {
		if err := enc.Encode(img); err != nil {
			return errors.Wrapf(err, "error encoding image %d", i)
		}
	}
	return nil
}

// Decode data from binary file
func (d *Data) Decode(r io.Reader) error {
	d.DataHead = DataHead{}
	dec := gob.NewDecoder(r)
	if err := dec.Decode(&d.DataHead); err != nil {
		return errors.Wrap(err, "error decoding header")
	}
	d.Images = make([]*Image, d.Len())
	for i := range d.Images {
		if err := dec.Decode(&d.Images[i]); err != nil {
			return errors.Wrapf(err, "error decoding image %d", i)
		}
	}
	return nil
}

// SaveDataFile writes the data set in gob format.
func SaveDataFile(d *Data, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	w := bufio.NewWriter(f)
	if err := d.Encode(w); err != nil {
		f.Close()
		return errors.Wrap(err, path)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.WithStack(err)
	}
	zap.S().Infow("saved data file", "path", path, "images", d.Len())
	return errors.WithStack(f.Close())
}

// LoadDataFile reads a data set previously written with SaveDataFile.
func LoadDataFile(path string) (*Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	d := new(Data)
	if err := d.Decode(bufio.NewReader(f)); err != nil {
		return nil, errors.Wrap(err, path)
	}
	zap.S().Infow("loaded data file", "path", path, "images", d.Len())
	return d, nil
}

// Calculate mean and stddev for each channel from set of images
func GetStats(imgList ...[]*Image) (mean, std []float32) {
	if len(imgList) == 0 || len(imgList[0]) == 0 {
		return nil, nil
	}
	channels := imgList[0][0].Channels
	stat := make([]*stats.Average, channels)
	for i := range stat {
		stat[i] = new(stats.Average)
	}
	for _, images := range imgList {
		for _, img := range images {
			for ch, s := range stat {
				for _, val := range img.Pixels(ch) {
					s.Add(float64(val))
				}
			}
		}
	}
	mean = make([]float32, channels)
	std = make([]float32, channels)
	for i, s := range stat {
		mean[i] = float32(s.Mean)
		std[i] = float32(s.StdDev)
	}
	zap.S().Debugw("image stats", "mean", mean, "stddev", std)
	return mean, std
}
