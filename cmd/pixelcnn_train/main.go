// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// pixelcnn_train trains a PixelCNN model with synchronous data-parallel training over nr_gpu devices.
//
// Every save_interval epochs it generates samples with the averaged (Polyak) parameters, evaluates the bits
// per dimension, and saves a checkpoint, all in save_dir.
//
// Example:
//
//	pixelcnn_train -train_data=~/data/cifar10.h5 -nr_gpu=4 -batch_size=64 -set="nr_filters=64;dropout_p=0.3"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/pixelcnn/pkg/ml/hparams"
	"github.com/gomlx/pixelcnn/pkg/ml/train"
	"github.com/gomlx/pixelcnn/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagProgress = flag.Bool("progress", true, "Display a progress bar with the training stats. "+
		"If false, one line is printed per epoch.")
	flagPlots = flag.Bool("plots", true, "Save the bits per dimension collected during training, and plot them "+
		"in an SVG file in save_dir.")
)

func main() {
	klog.InitFlags(nil)
	hp := hparams.Defaults()
	hp.RegisterFlags(flag.CommandLine)
	settings := commandline.CreateSettingsFlag(flag.CommandLine, hp, "set")
	flag.Parse()

	if _, err := commandline.ParseSettings(hp, *settings); err != nil {
		klog.Fatalf("Failed to parse -set=%q: %+v", *settings, err)
	}
	if err := hp.Validate(); err != nil {
		klog.Fatalf("Invalid configuration: %v", err)
	}
	if hp.EnergyDistance {
		klog.Warningf("energy_distance is not supported, training with the likelihood")
	}
	fmt.Println("Input arguments:")
	fmt.Println(commandline.SprintSettings(hp, hp.Diff(hparams.Defaults())))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := trainModel(ctx, hp); err != nil {
		if errors.Is(err, context.Canceled) {
			klog.Infof("Training interrupted, the last checkpoint saved in %q is the recovery point", hp.SaveDir)
			return
		}
		if errors.Is(err, train.ErrDeviceFailure) {
			klog.Fatalf("Device failure, restart from the last checkpoint: %+v", err)
		}
		klog.Fatalf("Training failed: %+v", err)
	}
}
