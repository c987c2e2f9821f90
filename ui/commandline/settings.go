// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/pixelcnn/pkg/ml/hparams"
	"github.com/gomlx/pixelcnn/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "nr_filters=32;dropout_p=0.2;...".
//
// Each name must be a known hyperparameter (or its short name), and its current type is used to
// parse the value. It returns the names set, in order, or an error (wrapping hparams.ErrConfiguration
// for unknown names or unparseable values).
//
// An entry like "file:settings.txt" reads the settings from the file: new lines work as ";" and lines
// starting with "#" are comments.
//
// For integer types, "_" is removed: e.g.: 1_000_000 = 1000000.
func ParseSettings(hp *hparams.Hyperparameters, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(hp, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(hp *hparams.Hyperparameters, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		filePath := strings.TrimPrefix(setting, "file:")
		filePath, err = fsutil.ReplaceTildeInDir(filePath)
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(hp, lineSetting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	parts := strings.SplitN(setting, "=", 2)
	if len(parts) != 2 {
		err = errors.Wrapf(hparams.ErrConfiguration,
			"can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	name := strings.TrimSpace(parts[0])
	if err = hp.Set(name, parts[1]); err != nil {
		return
	}
	newParamsSet = append(newParamsSet, name)
	return
}

// CreateSettingsFlag creates a string flag in fs with the given flagName (if empty it will be named
// "set") and with a description of the hyperparameters that can be set.
//
// The flag should be created before the call to `fs.Parse()`, and its value given to ParseSettings.
func CreateSettingsFlag(fs *flag.FlagSet, hp *hparams.Hyperparameters, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set hyperparameters. ` +
			`It should be a list of elements "param=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available parameters that can be set:`,
	}
	for _, name := range hp.Names() {
		value, _ := hp.Get(name)
		parts = append(parts, fmt.Sprintf("%q: default value is %v", name, value))
	}
	var settings string
	fs.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

var (
	settingsHeaderStyle   = lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	settingsCellStyle     = lipgloss.NewStyle().Padding(0, 1)
	settingsModifiedStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Foreground(lipgloss.Color("#E0A030"))
)

// SprintSettings pretty-prints the hyperparameters into a table. The ones listed in modified are highlighted.
func SprintSettings(hp *hparams.Hyperparameters, modified []string) string {
	names := hp.Names()
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return settingsHeaderStyle
			}
			if row >= 0 && row < len(names) && slices.Contains(modified, names[row]) {
				return settingsModifiedStyle
			}
			return settingsCellStyle
		})
	table.Headers("Hyperparameter", "Value")
	for _, name := range names {
		value, _ := hp.Get(name)
		table.Row(name, fmt.Sprintf("%v", value))
	}
	return table.String()
}
