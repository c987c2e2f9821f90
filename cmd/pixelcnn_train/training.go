// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/pixelcnn/pkg/core/tensors/numpy"
	"github.com/gomlx/pixelcnn/pkg/ml/artifacts"
	"github.com/gomlx/pixelcnn/pkg/ml/checkpoints"
	"github.com/gomlx/pixelcnn/pkg/ml/datasets"
	"github.com/gomlx/pixelcnn/pkg/ml/dmol"
	"github.com/gomlx/pixelcnn/pkg/ml/hparams"
	"github.com/gomlx/pixelcnn/pkg/ml/model/pixelcnn"
	"github.com/gomlx/pixelcnn/pkg/ml/params"
	"github.com/gomlx/pixelcnn/pkg/ml/sampler"
	"github.com/gomlx/pixelcnn/pkg/ml/train"
	"github.com/gomlx/pixelcnn/pkg/ml/train/optimizers"
	"github.com/gomlx/pixelcnn/pkg/support/fsutil"
	"github.com/gomlx/pixelcnn/ui/commandline"
	"github.com/gomlx/pixelcnn/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// session holds everything needed for a training run.
type session struct {
	hp         *hparams.Hyperparameters
	name       string
	saveDir    string
	ds         train.Dataset
	trainer    *train.Trainer
	sampler    *sampler.Sampler
	checkpoint *checkpoints.Handler
	artifacts  *artifacts.Writer
	recorder   *plots.Recorder

	// lastTestBitsPerDim is the evaluation of the last epoch, or NaN if it was not evaluated.
	lastTestBitsPerDim float64
}

// newSession builds the dataset, model, trainer, sampler and output writers. If load_params is set, the
// parameters are restored from the checkpoint, which fails if its architecture doesn't match.
func newSession(hp *hparams.Hyperparameters) (s *session, err error) {
	s = &session{hp: hp, name: hp.Name(), lastTestBitsPerDim: math.NaN()}
	s.saveDir, err = fsutil.ReplaceTildeInDir(hp.SaveDir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(s.saveDir, checkpoints.DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create save_dir %q", s.saveDir)
	}

	// Data.
	source, err := datasets.Load(s.name, hp.TrainData, datasets.LoadConfig{
		ImagesKey: hp.ImagesKey,
		LabelsKey: hp.LabelsKey,
		Height:    hp.ImageSize,
		Width:     hp.ImageSize,
	})
	if err != nil {
		return nil, err
	}
	if hp.ClassConditional && !source.HasLabels() {
		return nil, errors.Wrapf(hparams.ErrConfiguration, "class_conditional requires labels, none found in %q", hp.TrainData)
	}
	if source.NumExamples() < hp.BatchSize {
		return nil, errors.Wrapf(hparams.ErrConfiguration, "batch_size (%d) is larger than the number of examples (%d)",
			hp.BatchSize, source.NumExamples())
	}
	source.SetBatchSize(hp.BatchSize, true)
	if hp.Shuffle {
		source.Shuffle(uint64(hp.Seed))
	}
	imageShape := source.ImageShape()
	klog.Infof("dataset %q: %s examples shaped %s", s.name, humanize.Comma(int64(source.NumExamples())), imageShape)
	s.ds = source
	if hp.Prefetch > 0 {
		s.ds = datasets.Prefetch(source, hp.Prefetch)
	}

	// Model.
	nonlinearity, err := pixelcnn.ParseNonlinearity(hp.ResNetNonlinearity)
	if err != nil {
		return nil, errors.Wrap(hparams.ErrConfiguration, err.Error())
	}
	var numClasses int
	if hp.ClassConditional {
		numClasses = hp.NumClasses
	}
	loss := dmol.New(hp.NrLogisticMix)
	m, err := pixelcnn.New(pixelcnn.Config{
		NumFilters:   hp.NrFilters,
		NumResNet:    hp.NrResNet,
		FilterRadius: hp.FilterRadius,
		Nonlinearity: nonlinearity,
		NumClasses:   numClasses,
		InitScale:    hp.InitScale,
	}, loss)
	if err != nil {
		return nil, err
	}
	store, err := params.NewStore(m.Specs(imageShape), rand.New(rand.NewPCG(uint64(hp.Seed), 0)))
	if err != nil {
		return nil, err
	}
	klog.Infof("model: %d parameters, %s values", store.Len(), humanize.Comma(int64(store.NumValues())))

	s.trainer, err = train.NewTrainer(m, loss, store, optimizers.Adam().Done(), train.Config{
		NumDevices:        hp.NrGPU,
		BatchSize:         hp.BatchSize,
		InitBatchSize:     hp.InitBatchSize,
		DropoutRate:       hp.DropoutP,
		NumClasses:        numClasses,
		LearningRate:      hp.LearningRate,
		LearningRateDecay: hp.LRDecay,
		PolyakDecay:       hp.PolyakDecay,
		ImageShape:        imageShape,
		Seed:              uint64(hp.Seed),
	})
	if err != nil {
		return nil, err
	}
	s.sampler, err = sampler.New(m, loss, store, s.trainer, sampler.Config{
		NumDevices: hp.NrGPU,
		BatchSize:  hp.BatchSize / hp.NrGPU,
		ImageShape: imageShape,
		NumClasses: numClasses,
		Seed:       uint64(hp.Seed),
	})
	if err != nil {
		return nil, err
	}

	// Outputs.
	s.checkpoint, err = checkpoints.Build(store).Dir(s.saveDir).Name(fmt.Sprintf("params_%s.ckpt", s.name)).
		WithHyperparameters(hp).Done()
	if err != nil {
		return nil, err
	}
	sampleDType, err := numpy.DTypeFromName(hp.SampleDType)
	if err != nil {
		return nil, errors.Wrap(hparams.ErrConfiguration, err.Error())
	}
	s.artifacts = artifacts.New(s.saveDir, s.name, sampleDType)
	if hp.LoadParams {
		if err = s.checkpoint.Load(); err != nil {
			return nil, err
		}
		if err = s.trainer.MarkRestored(); err != nil {
			return nil, err
		}
		if err = s.artifacts.LoadTestBitsPerDim(); err != nil {
			return nil, err
		}
	}
	if *flagPlots {
		pointsPath := filepath.Join(s.saveDir, s.name+"_plot_points.json")
		svgPath := filepath.Join(s.saveDir, s.name+"_bpd.svg")
		if !hp.LoadParams {
			if err = plots.RemoveFiles(pointsPath, svgPath); err != nil {
				return nil, err
			}
		}
		s.recorder, err = plots.NewRecorder(pointsPath, svgPath)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// saveEpoch evaluates the last batch of the epoch with the averaged parameters, generates samples and saves
// the checkpoint and the artifacts.
func (s *session) saveEpoch(ctx context.Context, loop *train.Loop, stats train.EpochStats) error {
	if stats.LastBatch != nil {
		bpd, err := s.trainer.Evaluate(ctx, stats.LastBatch)
		if err != nil {
			return err
		}
		s.lastTestBitsPerDim = bpd
		if err = s.artifacts.AppendTestBitsPerDim(bpd); err != nil {
			return err
		}
		if s.recorder != nil {
			s.recorder.AddPoint(plots.Point{
				MetricName: "Eval: Bits/Dim (Polyak averaged)",
				Short:      "E/bpd",
				MetricType: "bpd",
				Epoch:      stats.Epoch,
				Value:      bpd,
			})
		}
	}

	klog.V(1).Infof("generating %d batches of samples", s.hp.NumSamples)
	samples, err := s.sampler.SampleBatches(ctx, s.hp.NumSamples)
	if err != nil {
		return err
	}
	if err = s.artifacts.WriteSamples(stats.Epoch, samples); err != nil {
		return err
	}
	if err = s.checkpoint.Save(stats.Epoch, loop.LoopStep); err != nil {
		return err
	}
	if s.recorder != nil {
		if err = s.recorder.WriteSVG(); err != nil {
			klog.Warningf("failed to plot bits per dimension: %v", err)
		}
	}
	klog.Infof("epoch %d: saved samples and checkpoint %q", stats.Epoch, s.checkpoint.BasePath())
	return nil
}

// run trains for max_epochs. The context is checked between steps.
func (s *session) run(ctx context.Context) error {
	if prefetch, ok := s.ds.(*datasets.PrefetchDataset); ok {
		defer prefetch.Close()
	}
	loop := train.NewLoop(s.trainer)
	train.EveryNEpochs(loop, s.hp.SaveInterval, "save", 0, func(loop *train.Loop, stats train.EpochStats) error {
		return s.saveEpoch(ctx, loop, stats)
	})
	lastReport := "-"
	loop.OnEpoch("report", 10, func(loop *train.Loop, stats train.EpochStats) error {
		lastReport = commandline.EpochReport(stats, s.lastTestBitsPerDim)
		s.lastTestBitsPerDim = math.NaN()
		if !*flagProgress {
			fmt.Println(lastReport)
		} else {
			klog.V(1).Info(lastReport)
		}
		return nil
	})
	train.EveryNSteps(loop, 100, "log", 0, func(loop *train.Loop, result train.StepResult) error {
		klog.V(2).Infof("step %d: loss=%.2f nats, bits/dim=%.4f, lr=%.3g",
			loop.LoopStep, result.Loss, result.BitsPerDim, result.LearningRate)
		return nil
	})
	if s.recorder != nil {
		s.recorder.Attach(loop)
		defer func() { _ = s.recorder.Close() }()
	}
	if *flagProgress {
		commandline.AttachProgressBar(loop, func() (string, string) { return "Last epoch", lastReport })
	}
	return loop.RunEpochs(ctx, s.ds, s.hp.MaxEpochs)
}

// trainModel creates a session and runs it.
func trainModel(ctx context.Context, hp *hparams.Hyperparameters) error {
	s, err := newSession(hp)
	if err != nil {
		return err
	}
	return s.run(ctx)
}
