package commandline

import (
	"bytes"
	"context"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/pixelcnn/pkg/core/shapes"
	"github.com/gomlx/pixelcnn/pkg/core/tensors"
	"github.com/gomlx/pixelcnn/pkg/ml/datasets"
	"github.com/gomlx/pixelcnn/pkg/ml/hparams"
	"github.com/gomlx/pixelcnn/pkg/ml/model/stubmodel"
	"github.com/gomlx/pixelcnn/pkg/ml/params"
	"github.com/gomlx/pixelcnn/pkg/ml/train"
	"github.com/gomlx/pixelcnn/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSettings(t *testing.T) {
	hp := hparams.Defaults()
	paramsSet, err := ParseSettings(hp, "nr_filters=1_000;dropout_p=0.25;c=true;resnet_nonlinearity=elu;")
	require.NoError(t, err)
	assert.Equal(t, []string{"nr_filters", "dropout_p", "c", "resnet_nonlinearity"}, paramsSet)
	assert.Equal(t, 1000, hp.NrFilters)
	assert.Equal(t, 0.25, hp.DropoutP)
	assert.True(t, hp.ClassConditional)
	assert.Equal(t, "elu", hp.ResNetNonlinearity)

	// Settings from a file.
	settingsPath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(settingsPath, []byte("# Small model.\nnr_resnet=1\n\nnr_gpu=2;batch_size=8\n"), 0644))
	paramsSet, err = ParseSettings(hp, "seed=3;file:"+settingsPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"seed", "nr_resnet", "nr_gpu", "batch_size"}, paramsSet)
	assert.Equal(t, 1, hp.NrResNet)
	assert.Equal(t, 2, hp.NrGPU)
	assert.Equal(t, 8, hp.BatchSize)

	// Errors.
	_, err = ParseSettings(hp, "unknown=3")
	assert.True(t, errors.Is(err, hparams.ErrConfiguration))
	_, err = ParseSettings(hp, "nr_filters=3.14")
	assert.True(t, errors.Is(err, hparams.ErrConfiguration))
	_, err = ParseSettings(hp, "nr_filters")
	assert.True(t, errors.Is(err, hparams.ErrConfiguration))
	_, err = ParseSettings(hp, "file:"+filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestSprintSettings(t *testing.T) {
	hp := hparams.Defaults()
	hp.NrFilters = 32
	table := SprintSettings(hp, hp.Diff(hparams.Defaults()))
	assert.Contains(t, table, "nr_filters")
	assert.Contains(t, table, "32")
	assert.Contains(t, table, "polyak_decay")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "500ns", FormatDuration(500*time.Nanosecond))
	assert.Equal(t, "1.50µs", FormatDuration(1500*time.Nanosecond))
	assert.Equal(t, "12.35ms", FormatDuration(12345*time.Microsecond))
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "2m5s", FormatDuration(125*time.Second+300*time.Millisecond))
}

func TestEpochReport(t *testing.T) {
	stats := train.EpochStats{Epoch: 3, Duration: 61400 * time.Millisecond, TrainBitsPerDim: 3.14159}
	assert.Equal(t, "Iteration 3, time = 61s, train bits_per_dim = 3.1416", EpochReport(stats, math.NaN()))
	assert.Equal(t, "Iteration 3, time = 61s, train bits_per_dim = 3.1416, test bits_per_dim = 3.2000",
		EpochReport(stats, 3.2))
}

func TestProgressBar(t *testing.T) {
	pixelShape := shapes.Make(1, 1, 1)
	m := stubmodel.New()
	store, err := params.NewStore(m.Specs(pixelShape), rand.New(rand.NewPCG(0, 0)))
	require.NoError(t, err)
	trainer, err := train.NewTrainer(m, stubmodel.Loss{}, store, optimizers.Adam().Done(), train.Config{
		NumDevices:        1,
		BatchSize:         2,
		InitBatchSize:     2,
		LearningRate:      0.001,
		LearningRateDecay: 0.999995,
		PolyakDecay:       0.9995,
		ImageShape:        pixelShape,
	})
	require.NoError(t, err)
	ds, err := datasets.InMemory("pixels", tensors.FromFlatDataAndDimensions(
		[]float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}, 6, 1, 1, 1), nil)
	require.NoError(t, err)
	ds.SetBatchSize(2, true)

	saved := maxUpdateFrequency
	maxUpdateFrequency = time.Millisecond
	defer func() { maxUpdateFrequency = saved }()

	var out bytes.Buffer
	loop := train.NewLoop(trainer)
	attachProgressBar(loop, &out, func() (string, string) { return "Extra", "xyz" })
	require.NoError(t, loop.RunEpochs(context.Background(), ds, 2))
	printed := out.String()
	assert.Contains(t, printed, "Epoch")
	assert.Contains(t, printed, "Extra")
	assert.Contains(t, printed, "xyz")
	assert.Contains(t, printed, "5 of 5", "the last epoch flush reports all steps")
}
