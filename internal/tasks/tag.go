package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/conveyor/internal/execshell"
	"github.com/tyemirov/conveyor/internal/releases"
	"github.com/tyemirov/conveyor/pkg/taskrunner"
)

const (
	tagDefaultRepositoryConstant   = "."
	tagDefaultNameTemplateConstant = "{{ .Version }}"
	tagUnresolvedMessageConstant   = "tag task could not resolve a tag name; trigger on a version tag or pass a version input"
	tagFailedTemplateConstant      = "tag %s failed: %v"
	tagNameOutputConstant          = "tag"
	tagRemoteOutputConstant        = "remote"
)

type tagOptions struct {
	Repository string `mapstructure:"repository"`
	Tag        string `mapstructure:"tag"`
	Message    string `mapstructure:"message"`
	Remote     string `mapstructure:"remote"`
}

// TagTask annotates the release tag and pushes it. Dry-run publish mode validates without touching git.
type TagTask struct {
	service *releases.Service
}

// NewTagTask builds a tag task over a release service.
func NewTagTask(service *releases.Service) *TagTask {
	return &TagTask{service: service}
}

// Run expands the tag options and hands them to the release service.
func (task *TagTask) Run(ctx context.Context, request taskrunner.Request) (taskrunner.Result, error) {
	var options tagOptions
	if decodeError := decodeOptions(taskKindTagConstant, request.Options, &options); decodeError != nil {
		return taskrunner.Result{}, decodeError
	}
	repository := strings.TrimSpace(options.Repository)
	if len(repository) == 0 {
		repository = tagDefaultRepositoryConstant
	}
	tagTemplate := strings.TrimSpace(options.Tag)
	if len(tagTemplate) == 0 {
		tagTemplate = tagDefaultNameTemplateConstant
	}

	data := newTemplateData(request)
	tagName, tagError := expandValue(taskKindTagConstant, tagTemplate, data)
	if tagError != nil {
		return taskrunner.Result{}, tagError
	}
	if len(strings.TrimSpace(tagName)) == 0 {
		return taskrunner.Failed(tagUnresolvedMessageConstant), nil
	}
	message, messageError := expandValue(taskKindTagConstant, options.Message, data)
	if messageError != nil {
		return taskrunner.Result{}, messageError
	}

	result, releaseError := task.service.Release(ctx, releases.Options{
		RepositoryPath: repository,
		TagName:        tagName,
		Message:        message,
		RemoteName:     options.Remote,
		DryRun:         request.PublishMode.IsDryRun(),
	})
	if releaseError != nil {
		var failedError execshell.CommandFailedError
		if errors.As(releaseError, &failedError) {
			return taskrunner.Failed(fmt.Sprintf(tagFailedTemplateConstant, tagName, failedError)), nil
		}
		return taskrunner.Result{}, releaseError
	}

	mode := taskrunner.PublishModeReal
	if result.DryRun {
		mode = taskrunner.PublishModeDryRun
	}
	return taskrunner.Succeeded(map[string]string{
		tagNameOutputConstant:     result.TagName,
		tagRemoteOutputConstant:   result.RemoteName,
		publishModeOutputConstant: string(mode),
	}), nil
}
