package utils_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tyemirov/conveyor/internal/utils"
)

const (
	testJobFinishedEventConstant = "job_finished"
	testJobStartedEventConstant  = "job_started"
	testRunBannerConstant        = "run 7f3a: success"
)

func captureStandardError(testInstance *testing.T, emit func()) string {
	testInstance.Helper()
	pipeReader, pipeWriter, pipeError := os.Pipe()
	require.NoError(testInstance, pipeError)

	originalStandardError := os.Stderr
	os.Stderr = pipeWriter
	defer func() { os.Stderr = originalStandardError }()

	emit()

	require.NoError(testInstance, pipeWriter.Close())
	captured, readError := io.ReadAll(pipeReader)
	require.NoError(testInstance, readError)
	require.NoError(testInstance, pipeReader.Close())
	return string(captured)
}

func TestLoggerFactoryStructuredOutputCarriesJobFields(testInstance *testing.T) {
	captured := captureStandardError(testInstance, func() {
		outputs, creationError := utils.NewLoggerFactory().CreateLoggerOutputs(utils.LogLevel(" INFO "), utils.LogFormat("Structured"))
		require.NoError(testInstance, creationError)
		outputs.DiagnosticLogger.Debug(testJobStartedEventConstant, zap.String("job_id", "check"))
		outputs.DiagnosticLogger.Info(testJobFinishedEventConstant, zap.String("job_id", "cargo-publish"), zap.String("publish_mode", "dry-run"))
		outputs.ConsoleLogger.Info(testRunBannerConstant)
	})

	lines := bytes.Split(bytes.TrimSpace([]byte(captured)), []byte("\n"))
	require.Len(testInstance, lines, 1)

	var entry map[string]any
	require.NoError(testInstance, json.Unmarshal(lines[0], &entry))
	require.Equal(testInstance, testJobFinishedEventConstant, entry["message"])
	require.Equal(testInstance, "info", entry["level"])
	require.Equal(testInstance, "cargo-publish", entry["job_id"])
	require.Equal(testInstance, "dry-run", entry["publish_mode"])
	require.Contains(testInstance, entry, "timestamp")
	require.NotContains(testInstance, captured, testRunBannerConstant)
}

func TestLoggerFactoryConsoleOutputShowsBanner(testInstance *testing.T) {
	captured := captureStandardError(testInstance, func() {
		outputs, creationError := utils.NewLoggerFactory().CreateLoggerOutputs(utils.LogLevelWarn, utils.LogFormatConsole)
		require.NoError(testInstance, creationError)
		outputs.DiagnosticLogger.Info(testJobStartedEventConstant)
		outputs.DiagnosticLogger.Warn(testJobFinishedEventConstant, zap.String("state", "failure"))
		outputs.ConsoleLogger.Warn(testRunBannerConstant)
	})

	require.NotContains(testInstance, captured, testJobStartedEventConstant)
	require.Contains(testInstance, captured, "WARN")
	require.Contains(testInstance, captured, testJobFinishedEventConstant)
	require.Contains(testInstance, captured, testRunBannerConstant+"\n")
	require.False(testInstance, json.Valid([]byte(captured)))
}

func TestLoggerFactoryRejectsUnsupportedSettings(testInstance *testing.T) {
	testCases := []struct {
		name          string
		logLevel      utils.LogLevel
		logFormat     utils.LogFormat
		expectedError string
	}{
		{name: "level", logLevel: utils.LogLevel("trace"), logFormat: utils.LogFormatStructured, expectedError: `unsupported log level "trace"`},
		{name: "format", logLevel: utils.LogLevelError, logFormat: utils.LogFormat("xml"), expectedError: `unsupported log format "xml"`},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(configurationLoaderSubtestNameTemplateConstant, testCaseIndex, testCase.name), func(testInstance *testing.T) {
			outputs, creationError := utils.NewLoggerFactory().CreateLoggerOutputs(testCase.logLevel, testCase.logFormat)
			require.EqualError(testInstance, creationError, testCase.expectedError)
			require.Zero(testInstance, outputs)
		})
	}
}
