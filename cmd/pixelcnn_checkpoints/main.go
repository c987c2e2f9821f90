// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// pixelcnn_checkpoints reports on the contents of one or more PixelCNN checkpoints: a summary, the
// hyperparameters used, the parameters stored and, optionally, the bits per dimension recorded during training.
//
// Each argument is the path of a checkpoint, with or without the ".json"/".bin" suffixes. When more than one
// is given, they are displayed side by side, and differing hyperparameters are highlighted.
//
// Example:
//
//	pixelcnn_checkpoints -params -vars data/params_cifar10.ckpt
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/pixelcnn/pkg/ml/checkpoints"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", true, "Display a summary of the checkpoints: epoch, steps, number of parameters and sizes.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars    = flag.Bool("vars", false, "Lists the parameters stored, with statistics of their values.")
	flagPoints  = flag.String("points", "", "Path to a plot points file saved during training (\"<name>_plot_points.json\" "+
		"in save_dir), whose metrics are listed.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 && *flagPoints == "" {
		klog.Errorf("Missing checkpoint to read from. See 'pixelcnn_checkpoints -help'")
		os.Exit(1)
	}
	names := make([]string, len(args))
	cps := make([]*checkpoints.Checkpoint, len(args))
	for ii, arg := range args {
		names[ii] = trimSuffixes(arg)
		cps[ii] = must.M1(checkpoints.Read(names[ii]))
	}

	if *flagSummary && len(cps) > 0 {
		fmt.Println(titleStyle.Render("Summary"))
		fmt.Println(summary(cps, names))
	}
	if *flagParams && len(cps) > 0 {
		fmt.Println(titleStyle.Render("Hyperparameters"))
		fmt.Println(must.M1(hyperparameters(cps, names)))
	}
	if *flagVars {
		for ii, cp := range cps {
			fmt.Println(titleStyle.Render("Parameters of " + names[ii]))
			fmt.Println(variables(cp))
		}
	}
	if *flagPoints != "" {
		fmt.Println(titleStyle.Render("Metrics"))
		fmt.Println(must.M1(metrics(*flagPoints)))
	}
}

// trimSuffixes removes the suffixes of the checkpoint files, if given.
func trimSuffixes(filePath string) string {
	for _, suffix := range []string{checkpoints.JSONNameSuffix, checkpoints.BinDataSuffix} {
		filePath = strings.TrimSuffix(filePath, suffix)
	}
	return filePath
}
