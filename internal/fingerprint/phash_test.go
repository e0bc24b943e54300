package fingerprint

import (
	"testing"

	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/fixbounty/fraudguard/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDeterministic(t *testing.T) {
	data := testsupport.PNG(t, testsupport.BlockImage(256, 256, 32, 7))
	e := NewEngine()

	a, err := e.Compute(data)
	require.NoError(t, err)
	b, err := e.Compute(append([]byte(nil), data...))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, string(a), 16)
}

func TestComputeSamePixelsDifferentEncoding(t *testing.T) {
	img := testsupport.BlockImage(200, 150, 25, 11)
	e := NewEngine()

	fromPNG, err := e.Compute(testsupport.PNG(t, img))
	require.NoError(t, err)
	fromJPEG, err := e.Compute(testsupport.JPEG(t, img))
	require.NoError(t, err)

	dist, err := Distance(fromPNG, fromJPEG)
	require.NoError(t, err)
	assert.LessOrEqual(t, dist, 8, "re-encoding should barely move the fingerprint")
}

func TestComputeDistinctImages(t *testing.T) {
	e := NewEngine()
	a, err := e.Compute(testsupport.PNG(t, testsupport.BlockImage(256, 256, 32, 1)))
	require.NoError(t, err)
	b, err := e.Compute(testsupport.PNG(t, testsupport.BlockImage(256, 256, 32, 2)))
	require.NoError(t, err)

	dist, err := Distance(a, b)
	require.NoError(t, err)
	assert.Greater(t, dist, 10)
}

func TestComputeUndecodable(t *testing.T) {
	e := NewEngine()

	_, err := e.Compute([]byte("not an image"))
	assert.ErrorIs(t, err, ErrUndecodable)

	_, err = e.Compute(nil)
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestDistance(t *testing.T) {
	d, err := Distance("ffffffffffffffff", "fffffffffffffff0")
	require.NoError(t, err)
	assert.Equal(t, 4, d)

	d, err = Distance("0000000000000000", "0000000000000000")
	require.NoError(t, err)
	assert.Equal(t, 0, d)

	_, err = Distance("abc", "0000000000000000")
	assert.Error(t, err)
	_, err = Distance(models.Fingerprint("zzzzzzzzzzzzzzzz"), "0000000000000000")
	assert.Error(t, err)
}
