package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/regimenhq/biovelocity/internal/config"
)

// runCalibrationShow prints the calibration the model would run with
func runCalibrationShow(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")

	calibration := config.DefaultCalibrationConfig()
	source := "shipped defaults"
	if path != "" {
		loaded, err := config.LoadCalibrationConfig(path)
		if err != nil {
			return err
		}
		calibration = loaded
		source = path
	}

	data, err := yaml.Marshal(calibration)
	if err != nil {
		return fmt.Errorf("failed to marshal calibration: %w", err)
	}

	fmt.Printf("# calibration source: %s\n", source)
	os.Stdout.Write(data)

	return nil
}

// runCalibrationValidate checks a calibration file and lists violations
func runCalibrationValidate(cmd *cobra.Command, args []string) error {
	path := args[0]

	calibration, err := config.LoadCalibrationConfig(path)
	if err != nil {
		return err
	}

	violations := calibration.Validate()
	if len(violations) == 0 {
		fmt.Printf("OK: %s is a valid calibration\n", path)
		return nil
	}

	fmt.Printf("INVALID: %s has %d violation(s)\n", path, len(violations))
	for _, violation := range violations {
		fmt.Printf("  - %s\n", violation)
	}

	return fmt.Errorf("calibration %s failed validation", path)
}
