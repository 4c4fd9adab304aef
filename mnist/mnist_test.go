package mnist_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnml/kiln/mnist"
)

func gzipIDXImages(t *testing.T, images [][]byte, rows, cols int) []byte {
	t.Helper()

	var body bytes.Buffer
	header := make([]byte, 16)
	binary.BigEndian.PutUint32(header[0:4], 0x803)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(images)))
	binary.BigEndian.PutUint32(header[8:12], uint32(rows))
	binary.BigEndian.PutUint32(header[12:16], uint32(cols))
	body.Write(header)
	for _, img := range images {
		body.Write(img)
	}

	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	_, err := zw.Write(body.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return out.Bytes()
}

func gzipIDXLabels(t *testing.T, labels []byte) []byte {
	t.Helper()

	var body bytes.Buffer
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], 0x801)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(labels)))
	body.Write(header)
	body.Write(labels)

	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	_, err := zw.Write(body.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return out.Bytes()
}

// writeSplits writes a tiny synthetic dataset: two 2x2 train samples
// and one test sample.
func writeSplits(t *testing.T, dir string) {
	t.Helper()

	trainImages := gzipIDXImages(t, [][]byte{
		{0, 255, 0, 255},
		{255, 0, 255, 0},
	}, 2, 2)
	trainLabels := gzipIDXLabels(t, []byte{1, 0})
	testImages := gzipIDXImages(t, [][]byte{{128, 128, 0, 255}}, 2, 2)
	testLabels := gzipIDXLabels(t, []byte{7})

	files := map[string][]byte{
		"train-images-idx3-ubyte.gz": trainImages,
		"train-labels-idx1-ubyte.gz": trainLabels,
		"t10k-images-idx3-ubyte.gz":  testImages,
		"t10k-labels-idx1-ubyte.gz":  testLabels,
	}
	for name, data := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSplits(t, dir)

	train, test, err := mnist.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 2, train.Len())
	assert.Equal(t, 1, test.Len())
	assert.Equal(t, 2, train.Rows)
	assert.Equal(t, 2, train.Cols)
	assert.Equal(t, []int{1, 0}, train.Labels)
	assert.Equal(t, []float64{0, 1, 0, 1}, train.Images[0])
	assert.Equal(t, []int{7}, test.Labels)
}

func TestLoadMalformed(t *testing.T) {
	t.Parallel()

	t.Run("label count mismatch", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		writeSplits(t, dir)
		bad := gzipIDXLabels(t, []byte{1, 0, 3})
		require.NoError(t, os.WriteFile(filepath.Join(dir, "train-labels-idx1-ubyte.gz"), bad, 0o644))

		_, _, err := mnist.Load(dir)
		assert.ErrorIs(t, err, mnist.ErrLengthMismatch)
	})

	t.Run("bad image magic", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		writeSplits(t, dir)
		// Labels magic where an images file is expected.
		bad := gzipIDXLabels(t, []byte{1, 2})
		require.NoError(t, os.WriteFile(filepath.Join(dir, "train-images-idx3-ubyte.gz"), bad, 0o644))

		_, _, err := mnist.Load(dir)
		assert.ErrorIs(t, err, mnist.ErrMalformedIDX)
	})

	t.Run("not gzip", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		writeSplits(t, dir)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "t10k-images-idx3-ubyte.gz"), []byte("plain"), 0o644))

		_, _, err := mnist.Load(dir)
		assert.ErrorIs(t, err, mnist.ErrMalformedIDX)
	})
}

func TestSample(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSplits(t, dir)
	train, _, err := mnist.Load(dir)
	require.NoError(t, err)

	img, label, err := train.Sample(0)
	require.NoError(t, err)
	assert.Equal(t, 1, label)
	assert.Equal(t, []float64{0, 1, 0, 1}, img.Pixels)

	_, _, err = train.Sample(2)
	assert.ErrorIs(t, err, mnist.ErrIndexOutOfRange)
	_, _, err = train.Sample(-1)
	assert.ErrorIs(t, err, mnist.ErrIndexOutOfRange)
}

func TestBatches(t *testing.T) {
	t.Parallel()

	ds := mnist.Dataset{
		Images: [][]float64{{0}, {1}, {2}, {3}, {4}},
		Labels: []int{0, 1, 2, 3, 4},
		Rows:   1,
		Cols:   1,
	}

	t.Run("unshuffled keeps order and remainder", func(t *testing.T) {
		t.Parallel()

		batches := ds.Batches(2, false, 0)
		require.Len(t, batches, 3)
		assert.Equal(t, []int{0, 1}, batches[0].Labels)
		assert.Equal(t, []int{2, 3}, batches[1].Labels)
		assert.Equal(t, []int{4}, batches[2].Labels)
	})

	t.Run("shuffle is a seeded permutation", func(t *testing.T) {
		t.Parallel()

		a := ds.Batches(5, true, 99)
		b := ds.Batches(5, true, 99)
		require.Len(t, a, 1)
		assert.Equal(t, a[0].Labels, b[0].Labels)

		seen := make(map[int]bool)
		for _, l := range a[0].Labels {
			seen[l] = true
		}
		assert.Len(t, seen, 5)
	})

	t.Run("invalid size", func(t *testing.T) {
		t.Parallel()

		assert.Nil(t, ds.Batches(0, false, 0))
	})
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	ds := mnist.Dataset{
		Images: [][]float64{{0}, {1}, {2}},
		Labels: []int{0, 1, 2},
		Rows:   1,
		Cols:   1,
	}

	assert.Equal(t, 2, ds.Truncate(2).Len())
	assert.Equal(t, 3, ds.Truncate(0).Len())
	assert.Equal(t, 3, ds.Truncate(10).Len())
}

func TestFetchChecksumMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not the dataset"))
	}))
	defer srv.Close()

	err := mnist.Fetch(context.Background(), srv.Client(), srv.URL+"/", t.TempDir())
	assert.ErrorIs(t, err, mnist.ErrChecksumMismatch)
}

func TestFetchServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := mnist.Fetch(context.Background(), srv.Client(), srv.URL+"/", t.TempDir())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, mnist.ErrChecksumMismatch)
}

func TestImageASCII(t *testing.T) {
	t.Parallel()

	img := mnist.Image{Pixels: []float64{0, 1, 0.5, 0}, Rows: 2, Cols: 2}
	out := img.ASCII()

	lines := []string{" @", "= "}
	assert.Equal(t, lines[0]+"\n"+lines[1]+"\n", out)
}

func TestImagePNG(t *testing.T) {
	t.Parallel()

	img := mnist.Image{Pixels: []float64{0, 1, 0.5, 0}, Rows: 2, Cols: 2}

	var buf bytes.Buffer
	require.NoError(t, img.PNG(&buf))
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, buf.Bytes()[:4])
}
