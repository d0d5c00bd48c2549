package utils_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/conveyor/internal/utils"
)

const (
	testEnvironmentPrefixConstant                  = "TESTCONVEYOR"
	testConfigFileNameConstant                     = "config.yaml"
	testConfigurationNameConstant                  = "config"
	testConfigurationTypeConstant                  = "yaml"
	configurationLoaderSubtestNameTemplateConstant = "%d_%s"
	testUserConfigurationDirectoryNameConstant     = ".conveyor"
	testXDGConfigHomeDirectoryNameConstant         = "config"
	testPipelinesContentTemplateConstant           = "orchestrator:\n  pipelines: [%s]\n"
	testEmbeddedConfigurationConstant              = `orchestrator:
  pipelines: [rust-release]
  job_timeout: 1h
  max_parallel: 4
artifacts:
  backend: memory
  retention: 0s
secrets:
  names: [CRATES_TOKEN]
server:
  read_timeout: 15s
  allowed_origins: ["*"]
`
	testFileConfigurationConstant = `orchestrator:
  job_timeout: 90m
  max_parallel: 2
artifacts:
  backend: filesystem
  retention: 72h
server:
  allowed_origins: [https://ci.example.com]
`
)

type configurationDirectoryRole string

const (
	configurationDirectoryRoleWorking configurationDirectoryRole = "working"
	configurationDirectoryRoleXDG     configurationDirectoryRole = "xdg"
	configurationDirectoryRoleHome    configurationDirectoryRole = "home"
)

type orchestratorFixture struct {
	Pipelines   []string      `mapstructure:"pipelines"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
	MaxParallel int           `mapstructure:"max_parallel"`
}

type artifactsFixture struct {
	Backend   string        `mapstructure:"backend"`
	Retention time.Duration `mapstructure:"retention"`
}

type secretsFixture struct {
	Names []string `mapstructure:"names"`
}

type serverFixture struct {
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type configurationFixture struct {
	Orchestrator orchestratorFixture `mapstructure:"orchestrator"`
	Artifacts    artifactsFixture    `mapstructure:"artifacts"`
	Secrets      secretsFixture      `mapstructure:"secrets"`
	Server       serverFixture       `mapstructure:"server"`
}

func configurationDefaults() map[string]any {
	return map[string]any{
		"orchestrator.pipelines":    []string{"local.yaml"},
		"orchestrator.job_timeout":  "30m",
		"orchestrator.max_parallel": 1,
		"artifacts.backend":         "memory",
		"artifacts.retention":       "0s",
		"secrets.names":             []string{"GITHUB_TOKEN"},
		"server.read_timeout":       "5s",
		"server.allowed_origins":    []string{"http://localhost"},
	}
}

func TestConfigurationLoaderLayersSections(testInstance *testing.T) {
	testCases := []struct {
		name          string
		embedded      string
		fileContent   string
		environment   map[string]string
		expected      configurationFixture
		expectFileSet bool
	}{
		{
			name: "defaults",
			expected: configurationFixture{
				Orchestrator: orchestratorFixture{Pipelines: []string{"local.yaml"}, JobTimeout: 30 * time.Minute, MaxParallel: 1},
				Artifacts:    artifactsFixture{Backend: "memory"},
				Secrets:      secretsFixture{Names: []string{"GITHUB_TOKEN"}},
				Server:       serverFixture{ReadTimeout: 5 * time.Second, AllowedOrigins: []string{"http://localhost"}},
			},
		},
		{
			name:     "embedded_over_defaults",
			embedded: testEmbeddedConfigurationConstant,
			expected: configurationFixture{
				Orchestrator: orchestratorFixture{Pipelines: []string{"rust-release"}, JobTimeout: time.Hour, MaxParallel: 4},
				Artifacts:    artifactsFixture{Backend: "memory"},
				Secrets:      secretsFixture{Names: []string{"CRATES_TOKEN"}},
				Server:       serverFixture{ReadTimeout: 15 * time.Second, AllowedOrigins: []string{"*"}},
			},
		},
		{
			name:          "file_over_embedded",
			embedded:      testEmbeddedConfigurationConstant,
			fileContent:   testFileConfigurationConstant,
			expectFileSet: true,
			expected: configurationFixture{
				Orchestrator: orchestratorFixture{Pipelines: []string{"rust-release"}, JobTimeout: 90 * time.Minute, MaxParallel: 2},
				Artifacts:    artifactsFixture{Backend: "filesystem", Retention: 72 * time.Hour},
				Secrets:      secretsFixture{Names: []string{"CRATES_TOKEN"}},
				Server:       serverFixture{ReadTimeout: 15 * time.Second, AllowedOrigins: []string{"https://ci.example.com"}},
			},
		},
		{
			name:          "environment_over_file",
			embedded:      testEmbeddedConfigurationConstant,
			fileContent:   testFileConfigurationConstant,
			expectFileSet: true,
			environment: map[string]string{
				"TESTCONVEYOR_ORCHESTRATOR_JOB_TIMEOUT":  "45s",
				"TESTCONVEYOR_ORCHESTRATOR_MAX_PARALLEL": "8",
				"TESTCONVEYOR_SECRETS_NAMES":             "NPM_TOKEN,PYPI_TOKEN",
				"TESTCONVEYOR_ARTIFACTS_RETENTION":       "24h",
			},
			expected: configurationFixture{
				Orchestrator: orchestratorFixture{Pipelines: []string{"rust-release"}, JobTimeout: 45 * time.Second, MaxParallel: 8},
				Artifacts:    artifactsFixture{Backend: "filesystem", Retention: 24 * time.Hour},
				Secrets:      secretsFixture{Names: []string{"NPM_TOKEN", "PYPI_TOKEN"}},
				Server:       serverFixture{ReadTimeout: 15 * time.Second, AllowedOrigins: []string{"https://ci.example.com"}},
			},
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(configurationLoaderSubtestNameTemplateConstant, testCaseIndex, testCase.name), func(testInstance *testing.T) {
			configurationFilePath := ""
			if len(testCase.fileContent) > 0 {
				configurationFilePath = filepath.Join(testInstance.TempDir(), testConfigFileNameConstant)
				require.NoError(testInstance, os.WriteFile(configurationFilePath, []byte(testCase.fileContent), 0o600))
			}
			for name, value := range testCase.environment {
				testInstance.Setenv(name, value)
			}

			configurationLoader := utils.NewConfigurationLoader(testConfigurationNameConstant, testConfigurationTypeConstant, testEnvironmentPrefixConstant, nil)
			if len(testCase.embedded) > 0 {
				configurationLoader.SetEmbeddedConfiguration([]byte(testCase.embedded), testConfigurationTypeConstant)
			}

			var loadedConfiguration configurationFixture
			metadata, loadError := configurationLoader.LoadConfiguration(configurationFilePath, configurationDefaults(), &loadedConfiguration)
			require.NoError(testInstance, loadError)
			require.Equal(testInstance, testCase.expected, loadedConfiguration)
			if testCase.expectFileSet {
				require.Equal(testInstance, configurationFilePath, metadata.ConfigFileUsed)
			} else {
				require.Empty(testInstance, metadata.ConfigFileUsed)
			}
		})
	}
}

func TestConfigurationLoaderReportsInvalidConfiguration(testInstance *testing.T) {
	testCases := []struct {
		name             string
		embedded         string
		fileContent      string
		nilTarget        bool
		expectedFragment string
	}{
		{name: "invalid_duration", fileContent: "orchestrator:\n  job_timeout: soon\n", expectedFragment: "unable to decode configuration"},
		{name: "malformed_file", fileContent: "orchestrator: [\n", expectedFragment: "unable to read configuration file"},
		{name: "malformed_embedded", embedded: "artifacts: [\n", expectedFragment: "unable to read embedded configuration"},
		{name: "missing_target", nilTarget: true, expectedFragment: "configuration target is required"},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(configurationLoaderSubtestNameTemplateConstant, testCaseIndex, testCase.name), func(testInstance *testing.T) {
			configurationFilePath := ""
			if len(testCase.fileContent) > 0 {
				configurationFilePath = filepath.Join(testInstance.TempDir(), testConfigFileNameConstant)
				require.NoError(testInstance, os.WriteFile(configurationFilePath, []byte(testCase.fileContent), 0o600))
			}
			configurationLoader := utils.NewConfigurationLoader(testConfigurationNameConstant, testConfigurationTypeConstant, testEnvironmentPrefixConstant, nil)
			if len(testCase.embedded) > 0 {
				configurationLoader.SetEmbeddedConfiguration([]byte(testCase.embedded), testConfigurationTypeConstant)
			}

			var target any = &configurationFixture{}
			if testCase.nilTarget {
				target = nil
			}
			_, loadError := configurationLoader.LoadConfiguration(configurationFilePath, configurationDefaults(), target)
			require.ErrorContains(testInstance, loadError, testCase.expectedFragment)
		})
	}
}

func TestConfigurationLoaderSearchPaths(testInstance *testing.T) {
	testCases := []struct {
		name                         string
		directoriesWithConfiguration []configurationDirectoryRole
		expectedRole                 configurationDirectoryRole
	}{
		{name: "working_only", directoriesWithConfiguration: []configurationDirectoryRole{configurationDirectoryRoleWorking}, expectedRole: configurationDirectoryRoleWorking},
		{name: "xdg_only", directoriesWithConfiguration: []configurationDirectoryRole{configurationDirectoryRoleXDG}, expectedRole: configurationDirectoryRoleXDG},
		{name: "home_only", directoriesWithConfiguration: []configurationDirectoryRole{configurationDirectoryRoleHome}, expectedRole: configurationDirectoryRoleHome},
		{
			name:                         "working_preferred",
			directoriesWithConfiguration: []configurationDirectoryRole{configurationDirectoryRoleWorking, configurationDirectoryRoleXDG, configurationDirectoryRoleHome},
			expectedRole:                 configurationDirectoryRoleWorking,
		},
		{
			name:                         "xdg_before_home",
			directoriesWithConfiguration: []configurationDirectoryRole{configurationDirectoryRoleXDG, configurationDirectoryRoleHome},
			expectedRole:                 configurationDirectoryRoleXDG,
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(configurationLoaderSubtestNameTemplateConstant, testCaseIndex, testCase.name), func(testInstance *testing.T) {
			workingDirectoryPath := testInstance.TempDir()
			homeDirectoryPath := testInstance.TempDir()
			xdgConfigurationDirectoryPath := filepath.Join(homeDirectoryPath, testXDGConfigHomeDirectoryNameConstant, testUserConfigurationDirectoryNameConstant)
			homeConfigurationDirectoryPath := filepath.Join(homeDirectoryPath, testUserConfigurationDirectoryNameConstant)
			require.NoError(testInstance, os.MkdirAll(xdgConfigurationDirectoryPath, 0o755))
			require.NoError(testInstance, os.MkdirAll(homeConfigurationDirectoryPath, 0o755))

			directoryPathByRole := map[configurationDirectoryRole]string{
				configurationDirectoryRoleWorking: workingDirectoryPath,
				configurationDirectoryRoleXDG:     xdgConfigurationDirectoryPath,
				configurationDirectoryRoleHome:    homeConfigurationDirectoryPath,
			}
			for _, directoryRole := range testCase.directoriesWithConfiguration {
				content := fmt.Sprintf(testPipelinesContentTemplateConstant, string(directoryRole)+".yaml")
				require.NoError(testInstance, os.WriteFile(filepath.Join(directoryPathByRole[directoryRole], testConfigFileNameConstant), []byte(content), 0o600))
			}

			configurationLoader := utils.NewConfigurationLoader(
				testConfigurationNameConstant,
				testConfigurationTypeConstant,
				testEnvironmentPrefixConstant,
				[]string{" ", workingDirectoryPath, xdgConfigurationDirectoryPath, homeConfigurationDirectoryPath},
			)

			var loadedConfiguration configurationFixture
			metadata, loadError := configurationLoader.LoadConfiguration("", configurationDefaults(), &loadedConfiguration)
			require.NoError(testInstance, loadError)
			require.Equal(testInstance, []string{string(testCase.expectedRole) + ".yaml"}, loadedConfiguration.Orchestrator.Pipelines)
			require.Equal(testInstance, filepath.Join(directoryPathByRole[testCase.expectedRole], testConfigFileNameConstant), metadata.ConfigFileUsed)
		})
	}
}

func TestConfigurationLoaderExplicitFileOverridesSearchPaths(testInstance *testing.T) {
	searchDirectory := testInstance.TempDir()
	explicitPath := filepath.Join(testInstance.TempDir(), "release.yml")
	require.NoError(testInstance, os.WriteFile(filepath.Join(searchDirectory, testConfigFileNameConstant), []byte(fmt.Sprintf(testPipelinesContentTemplateConstant, "searched.yaml")), 0o600))
	require.NoError(testInstance, os.WriteFile(explicitPath, []byte(fmt.Sprintf(testPipelinesContentTemplateConstant, "explicit.yaml")), 0o600))

	configurationLoader := utils.NewConfigurationLoader(testConfigurationNameConstant, testConfigurationTypeConstant, testEnvironmentPrefixConstant, []string{searchDirectory})

	var loadedConfiguration configurationFixture
	metadata, loadError := configurationLoader.LoadConfiguration(explicitPath, configurationDefaults(), &loadedConfiguration)
	require.NoError(testInstance, loadError)
	require.Equal(testInstance, []string{"explicit.yaml"}, loadedConfiguration.Orchestrator.Pipelines)
	require.Equal(testInstance, explicitPath, metadata.ConfigFileUsed)
}
