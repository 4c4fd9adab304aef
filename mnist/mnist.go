// Package mnist downloads, verifies and parses the MNIST handwritten
// digit dataset in its original IDX gzip form.
package mnist

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultBaseURL = "https://storage.googleapis.com/cvdf-datasets/mnist/"

	trainImagesFile = "train-images-idx3-ubyte.gz"
	trainLabelsFile = "train-labels-idx1-ubyte.gz"
	testImagesFile  = "t10k-images-idx3-ubyte.gz"
	testLabelsFile  = "t10k-labels-idx1-ubyte.gz"

	imagesMagic = 0x803
	labelsMagic = 0x801

	filePermission = 0o644
	dirPermission  = 0o755
)

// Published digests of the four canonical files.
var digests = map[string]string{
	trainImagesFile: "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609",
	trainLabelsFile: "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c",
	testImagesFile:  "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6",
	testLabelsFile:  "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6",
}

var (
	ErrChecksumMismatch = errors.New("dataset file checksum mismatch")
	ErrMalformedIDX     = errors.New("malformed idx file")
	ErrLengthMismatch   = errors.New("image and label counts differ")
	ErrIndexOutOfRange  = errors.New("sample index out of range")
)

// Image is one grayscale sample with pixels scaled to [0, 1].
type Image struct {
	Pixels []float64
	Rows   int
	Cols   int
}

// Dataset is one split, loaded once and never mutated.
type Dataset struct {
	Images [][]float64
	Labels []int
	Rows   int
	Cols   int
}

func (d Dataset) Len() int {
	return len(d.Labels)
}

func (d Dataset) Sample(i int) (Image, int, error) {
	if i < 0 || i >= len(d.Labels) {
		return Image{}, 0, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(d.Labels))
	}

	return Image{Pixels: d.Images[i], Rows: d.Rows, Cols: d.Cols}, d.Labels[i], nil
}

// Truncate returns a view over the first n samples. A non-positive n
// returns the dataset unchanged.
func (d Dataset) Truncate(n int) Dataset {
	if n <= 0 || n >= d.Len() {
		return d
	}

	return Dataset{Images: d.Images[:n], Labels: d.Labels[:n], Rows: d.Rows, Cols: d.Cols}
}

// Batch is one fixed-size slice of the split handed to the trainer.
type Batch struct {
	Images [][]float64
	Labels []int
}

// Batches cuts the dataset into contiguous batches over an index
// permutation. The permutation is shuffled with the given seed when
// shuffle is set; the final short batch is kept.
func (d Dataset) Batches(size int, shuffle bool, seed int64) []Batch {
	if size <= 0 || d.Len() == 0 {
		return nil
	}

	perm := make([]int, d.Len())
	for i := range perm {
		perm[i] = i
	}
	if shuffle {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(perm), func(i, j int) {
			perm[i], perm[j] = perm[j], perm[i]
		})
	}

	batches := make([]Batch, 0, (d.Len()+size-1)/size)
	for start := 0; start < len(perm); start += size {
		end := start + size
		if end > len(perm) {
			end = len(perm)
		}

		b := Batch{
			Images: make([][]float64, end-start),
			Labels: make([]int, end-start),
		}
		for i, idx := range perm[start:end] {
			b.Images[i] = d.Images[idx]
			b.Labels[i] = d.Labels[idx]
		}
		batches = append(batches, b)
	}

	return batches
}

// Fetch downloads any of the four dataset files missing from dir,
// verifying each against its pinned digest. Cached files are
// re-verified and refetched on mismatch. Downloads run concurrently.
func Fetch(ctx context.Context, client *http.Client, baseURL, dir string) error {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if err := os.MkdirAll(dir, dirPermission); err != nil {
		return fmt.Errorf("failed to create dataset dir: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for name, digest := range digests {
		g.Go(func() error {
			path := filepath.Join(dir, name)
			if verifyFile(path, digest) == nil {
				return nil
			}

			data, err := download(ctx, client, baseURL+name)
			if err != nil {
				return fmt.Errorf("failed to download %s: %w", name, err)
			}
			if got := sha256.Sum256(data); hex.EncodeToString(got[:]) != digest {
				return fmt.Errorf("%w: %s", ErrChecksumMismatch, name)
			}

			return os.WriteFile(path, data, filePermission)
		})
	}

	return g.Wait()
}

func verifyFile(path, digest string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if hex.EncodeToString(h.Sum(nil)) != digest {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, path)
	}

	return nil
}

func download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected response code: %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// Load parses the train and test splits from dir. The images and
// labels files of each split are cross-checked for equal length.
func Load(dir string) (Dataset, Dataset, error) {
	train, err := loadSplit(dir, trainImagesFile, trainLabelsFile)
	if err != nil {
		return Dataset{}, Dataset{}, fmt.Errorf("failed to load train split: %w", err)
	}

	test, err := loadSplit(dir, testImagesFile, testLabelsFile)
	if err != nil {
		return Dataset{}, Dataset{}, fmt.Errorf("failed to load test split: %w", err)
	}

	return train, test, nil
}

func loadSplit(dir, imagesFile, labelsFile string) (Dataset, error) {
	images, rows, cols, err := parseImages(filepath.Join(dir, imagesFile))
	if err != nil {
		return Dataset{}, err
	}

	labels, err := parseLabels(filepath.Join(dir, labelsFile))
	if err != nil {
		return Dataset{}, err
	}

	if len(images) != len(labels) {
		return Dataset{}, fmt.Errorf("%w: %d images, %d labels", ErrLengthMismatch, len(images), len(labels))
	}

	return Dataset{Images: images, Labels: labels, Rows: rows, Cols: cols}, nil
}

func readGzip(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedIDX, err.Error())
	}
	defer zr.Close()

	return io.ReadAll(zr)
}

func parseImages(path string) ([][]float64, int, int, error) {
	data, err := readGzip(path)
	if err != nil {
		return nil, 0, 0, err
	}
	if len(data) < 16 {
		return nil, 0, 0, fmt.Errorf("%w: short image header", ErrMalformedIDX)
	}

	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != imagesMagic {
		return nil, 0, 0, fmt.Errorf("%w: image magic 0x%x", ErrMalformedIDX, magic)
	}

	count := int(binary.BigEndian.Uint32(data[4:8]))
	rows := int(binary.BigEndian.Uint32(data[8:12]))
	cols := int(binary.BigEndian.Uint32(data[12:16]))
	pixels := data[16:]
	if len(pixels) != count*rows*cols {
		return nil, 0, 0, fmt.Errorf("%w: %d pixel bytes for %d samples", ErrMalformedIDX, len(pixels), count)
	}

	stride := rows * cols
	images := make([][]float64, count)
	for i := range images {
		img := make([]float64, stride)
		for j, p := range pixels[i*stride : (i+1)*stride] {
			img[j] = float64(p) / 255.0
		}
		images[i] = img
	}

	return images, rows, cols, nil
}

func parseLabels(path string) ([]int, error) {
	data, err := readGzip(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: short label header", ErrMalformedIDX)
	}

	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != labelsMagic {
		return nil, fmt.Errorf("%w: label magic 0x%x", ErrMalformedIDX, magic)
	}

	count := int(binary.BigEndian.Uint32(data[4:8]))
	raw := data[8:]
	if len(raw) != count {
		return nil, fmt.Errorf("%w: %d label bytes for %d samples", ErrMalformedIDX, len(raw), count)
	}

	labels := make([]int, count)
	for i, b := range raw {
		labels[i] = int(b)
	}

	return labels, nil
}

// Provider downloads on first use and caches under Dir, satisfying
// the trainer's dataset loader.
type Provider struct {
	BaseURL string
	Dir     string
	Client  *http.Client
}

func NewProvider(dir string) *Provider {
	return &Provider{
		BaseURL: DefaultBaseURL,
		Dir:     dir,
	}
}

func (p *Provider) Load(ctx context.Context) (Dataset, Dataset, error) {
	if err := Fetch(ctx, p.Client, p.BaseURL, p.Dir); err != nil {
		return Dataset{}, Dataset{}, err
	}

	return Load(p.Dir)
}
