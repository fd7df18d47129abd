package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lsm/fiso-ingest/internal/config"
	"github.com/lsm/fiso-ingest/internal/kafka"
)

const validateUsage = `Usage: fiso-ingest validate [dir]

Validates every bridge definition in dir (default: ./bridges) and resolves
cluster references against dir/clusters.yaml.`

type validationError struct {
	File    string
	Message string
}

func runValidate(args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		fmt.Fprintln(stdout, validateUsage)
		return nil
	}

	dir := "./bridges"
	if len(args) > 0 && args[0] != "" {
		dir = args[0]
	}

	var allErrors []validationError

	registry := kafka.NewRegistry()
	clustersPath := filepath.Join(dir, config.ClustersFile)
	if err := registry.LoadFile(clustersPath); err != nil {
		allErrors = append(allErrors, validationError{File: clustersPath, Message: err.Error()})
	}

	files, err := config.BridgeFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintf(stderr, "warning: no bridge definitions found in %s\n", dir)
	} else {
		fmt.Fprintf(stdout, "Validated %d bridge file(s) in %s\n", len(files), dir)
	}

	names := make(map[string]string)
	for _, path := range files {
		def, errs := validateBridgeFile(path, registry)
		allErrors = append(allErrors, errs...)
		if def == nil {
			continue
		}
		if prev, ok := names[def.Name]; ok {
			allErrors = append(allErrors, validationError{
				File:    path,
				Message: fmt.Sprintf("duplicate bridge name %q (also in %s)", def.Name, filepath.Base(prev)),
			})
			continue
		}
		names[def.Name] = path
	}

	if len(allErrors) == 0 {
		fmt.Fprintln(stdout, "All bridge definitions are valid.")
		return nil
	}

	fmt.Fprintf(stderr, "Found %d validation error(s):\n\n", len(allErrors))
	for _, ve := range allErrors {
		fmt.Fprintf(stderr, "  %s\n    error: %s\n\n", ve.File, ve.Message)
	}
	return fmt.Errorf("%d validation error(s) found", len(allErrors))
}

// validateBridgeFile returns the definition when it parsed, even if invalid,
// so duplicate names are still reported.
func validateBridgeFile(path string, registry *kafka.Registry) (*config.BridgeDefinition, []validationError) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []validationError{{File: path, Message: fmt.Sprintf("read error: %v", err)}}
	}

	var def config.BridgeDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, []validationError{{File: path, Message: fmt.Sprintf("YAML parse error: %v", err)}}
	}
	def.ApplyDefaults()

	var errs []validationError
	if err := def.Validate(); err != nil {
		for _, msg := range splitErrors(err) {
			errs = append(errs, validationError{File: path, Message: msg})
		}
	}

	if def.Stream.Backend == config.BackendKafka && def.Stream.ClusterRef != "" {
		if _, err := registry.Resolve(def.Stream.ClusterRef, def.Stream.Cluster); err != nil {
			errs = append(errs, validationError{File: path, Message: "stream: " + err.Error()})
		}
	}
	if def.Sink.Type == config.SinkKafka && def.Sink.Kafka != nil && def.Sink.Kafka.ClusterRef != "" {
		if _, err := registry.Resolve(def.Sink.Kafka.ClusterRef, def.Sink.Kafka.Cluster); err != nil {
			errs = append(errs, validationError{File: path, Message: "sink.kafka: " + err.Error()})
		}
	}
	return &def, errs
}

// splitErrors breaks an errors.Join result into individual error strings.
func splitErrors(err error) []string {
	var result []string
	for _, p := range strings.Split(err.Error(), "\n") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
