package tasks

import (
	"context"
	"strings"
	"time"

	"github.com/tyemirov/conveyor/pkg/taskrunner"
)

const staticDefaultFailureMessageConstant = "static task configured to fail"

type staticOptions struct {
	Outputs   map[string]string `mapstructure:"outputs"`
	Artifacts map[string]string `mapstructure:"artifacts"`
	Fail      bool              `mapstructure:"fail"`
	Message   string            `mapstructure:"message"`
	Delay     time.Duration     `mapstructure:"delay"`
}

// StaticTask returns configured outputs and inline artifacts without side effects.
// It stands in for real job bodies when rehearsing a pipeline.
type StaticTask struct{}

// NewStaticTask builds a static task.
func NewStaticTask() StaticTask {
	return StaticTask{}
}

// Run waits for the optional delay and returns the configured result.
func (StaticTask) Run(ctx context.Context, request taskrunner.Request) (taskrunner.Result, error) {
	var options staticOptions
	if decodeError := decodeOptions(taskKindStaticConstant, request.Options, &options); decodeError != nil {
		return taskrunner.Result{}, decodeError
	}

	if options.Delay > 0 {
		timer := time.NewTimer(options.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return taskrunner.Result{}, ctx.Err()
		case <-timer.C:
		}
	}

	if options.Fail {
		message := strings.TrimSpace(options.Message)
		if len(message) == 0 {
			message = staticDefaultFailureMessageConstant
		}
		return taskrunner.Failed(message), nil
	}

	data := newTemplateData(request)
	outputs, outputsError := expandMap(taskKindStaticConstant, options.Outputs, data)
	if outputsError != nil {
		return taskrunner.Result{}, outputsError
	}
	published := make([]taskrunner.PublishedArtifact, 0, len(options.Artifacts))
	for _, name := range sortedNames(options.Artifacts) {
		content, expandError := expandValue(taskKindStaticConstant, options.Artifacts[name], data)
		if expandError != nil {
			return taskrunner.Result{}, expandError
		}
		published = append(published, taskrunner.PublishedArtifact{Name: name, Content: []byte(content)})
	}

	result := taskrunner.Succeeded(outputs, published...)
	result.Message = strings.TrimSpace(options.Message)
	return result, nil
}
