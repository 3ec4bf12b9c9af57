package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	mirror "github.com/GlueOps/mirror-registry"
	"github.com/GlueOps/mirror-registry/config"
	"github.com/GlueOps/mirror-registry/engine/docker"
	"github.com/GlueOps/mirror-registry/internal/version"
	"github.com/GlueOps/mirror-registry/pkg/template"
	"github.com/GlueOps/mirror-registry/types"
)

const (
	usageDesc = `Mirror container images from public registries into private registries.
Tags are selected by literal names and by patterns limited to a recent time span.`
	checkFormat = `{{ .Image.Source }}: {{ join .Unique " " }}`
)

type rootOpts struct {
	verbosity  string
	logopts    []string
	secretEnv  string
	secretFile string
	dockerHost string
	checkFmt   string
	versionFmt string
	log        *logrus.Logger
	// engine and mirrorOpts replace the docker engine and defaults, used by tests
	engine     mirror.Engine
	mirrorOpts []mirror.Opt
}

// NewRootCmd returns the regmirror command tree
func NewRootCmd() (*cobra.Command, *rootOpts) {
	rOpts := &rootOpts{
		log: &logrus.Logger{
			Out:       os.Stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
	}
	var rootTopCmd = &cobra.Command{
		Use:   "regmirror <config.yaml>",
		Short: "Mirror container images to private registries",
		Long:  usageDesc,
		Example: `
# mirror every configured image once
regmirror mirror.yaml

# show the tags that would be mirrored
regmirror check mirror.yaml

# mirror on the configured schedule with json logs
regmirror server mirror.yaml --logopt json`,
		Args:          cobra.ExactArgs(1),
		RunE:          rOpts.runMirror,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var checkCmd = &cobra.Command{
		Use:   "check <config.yaml>",
		Short: "Resolve the tags of each image without pulling or pushing",
		Long: `Resolves the literal and pattern selectors of every image and prints the
tags that a mirror run would copy. Nothing is pulled or pushed.`,
		Args: cobra.ExactArgs(1),
		RunE: rOpts.runCheck,
	}
	var serverCmd = &cobra.Command{
		Use:   "server <config.yaml>",
		Short: "Mirror now and then on the configured schedule",
		Long: `Runs a full mirror, then repeats it on the schedule from the configuration
until interrupted. A run still in progress when the next one is due is not
overlapped.`,
		Args: cobra.ExactArgs(1),
		RunE: rOpts.runServer,
	}
	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Show the version",
		Long:  `Show the version`,
		Args:  cobra.ExactArgs(0),
		RunE:  rOpts.runVersion,
	}

	rootTopCmd.PersistentFlags().StringVarP(&rOpts.verbosity, "verbosity", "v", logrus.InfoLevel.String(), "Log level (debug, info, warn, error, fatal, panic)")
	rootTopCmd.PersistentFlags().StringArrayVar(&rOpts.logopts, "logopt", []string{}, "Log options")
	rootTopCmd.PersistentFlags().StringVar(&rOpts.secretEnv, "secret-env", config.DefaultSecretEnv, "Environment variable with the base64 credential bundle")
	rootTopCmd.PersistentFlags().StringVar(&rOpts.secretFile, "secret-file", "", "File with the base64 credential bundle, replaces --secret-env")
	rootTopCmd.PersistentFlags().StringVar(&rOpts.dockerHost, "docker-host", "", "Docker daemon address, defaults to DOCKER_HOST")
	checkCmd.Flags().StringVar(&rOpts.checkFmt, "format", checkFormat, "Format output with go template syntax")
	versionCmd.Flags().StringVar(&rOpts.versionFmt, "format", "{{jsonPretty .}}", "Format output with go template syntax")
	_ = rootTopCmd.MarkPersistentFlagFilename("secret-file")

	rootTopCmd.AddCommand(checkCmd)
	rootTopCmd.AddCommand(serverCmd)
	rootTopCmd.AddCommand(versionCmd)

	rootTopCmd.PersistentPreRunE = rOpts.rootPreRun
	return rootTopCmd, rOpts
}

func (rOpts *rootOpts) rootPreRun(cmd *cobra.Command, args []string) error {
	lvl, err := logrus.ParseLevel(rOpts.verbosity)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrConfig, err)
	}
	rOpts.log.SetLevel(lvl)
	rOpts.log.SetOutput(cmd.ErrOrStderr())
	rOpts.log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	for _, opt := range rOpts.logopts {
		if opt == "json" {
			rOpts.log.Formatter = new(logrus.JSONFormatter)
		}
	}
	return nil
}

func (rOpts *rootOpts) runVersion(cmd *cobra.Command, args []string) error {
	info := version.GetInfo()
	return template.Writer(cmd.OutOrStdout(), rOpts.versionFmt, info)
}

// runMirror processes the file in one pass
func (rOpts *rootOpts) runMirror(cmd *cobra.Command, args []string) error {
	m, closer, err := rOpts.newMirror(args[0], true)
	if err != nil {
		return rOpts.logErr(err)
	}
	defer closer.Close()
	rep, err := m.Run(cmd.Context())
	rep.Log(rOpts.log)
	if err != nil {
		return rOpts.logErr(err)
	}
	return nil
}

// runCheck is a dry run, tags are resolved and printed
func (rOpts *rootOpts) runCheck(cmd *cobra.Command, args []string) error {
	m, closer, err := rOpts.newMirror(args[0], false)
	if err != nil {
		return rOpts.logErr(err)
	}
	defer closer.Close()
	sets, err := m.ResolveAll(cmd.Context(), mirror.ImageSpecs(m.Config()))
	if err != nil {
		return rOpts.logErr(err)
	}
	for _, set := range sets {
		if err := template.Writer(cmd.OutOrStdout(), rOpts.checkFmt, set); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return nil
}

// runServer stays running with cron scheduled mirror runs
func (rOpts *rootOpts) runServer(cmd *cobra.Command, args []string) error {
	m, closer, err := rOpts.newMirror(args[0], true)
	if err != nil {
		return rOpts.logErr(err)
	}
	defer closer.Close()
	sched := m.Config().Schedule
	if sched == "" {
		return rOpts.logErr(fmt.Errorf("%w: schedule is required by the server command", types.ErrMissingInput))
	}
	ctx := cmd.Context()
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	_, err = c.AddFunc(sched, func() {
		rOpts.runScheduled(ctx, m)
	})
	if err != nil {
		return rOpts.logErr(fmt.Errorf("%w: schedule %q: %w", types.ErrConfig, sched, err))
	}
	rOpts.log.WithFields(logrus.Fields{
		"sched": sched,
	}).Info("Starting server")
	rOpts.runScheduled(ctx, m)
	c.Start()
	// wait on interrupt signal
	<-ctx.Done()
	rOpts.log.WithFields(logrus.Fields{}).Info("Stopping server")
	// clean shutdown
	stopped := c.Stop()
	rOpts.log.WithFields(logrus.Fields{}).Debug("Waiting on running tasks")
	<-stopped.Done()
	return nil
}

func (rOpts *rootOpts) runScheduled(ctx context.Context, m *mirror.Mirror) {
	if ctx.Err() != nil {
		return
	}
	rep, err := m.Run(ctx)
	rep.Log(rOpts.log)
	if err != nil {
		rOpts.log.WithFields(logrus.Fields{
			"err": err,
		}).Error("Mirror run failed")
	}
}

// newMirror loads the config and credentials, the closer releases the engine
func (rOpts *rootOpts) newMirror(filename string, withEngine bool) (*mirror.Mirror, io.Closer, error) {
	conf, err := config.ConfigLoadFile(filename)
	if err != nil {
		return nil, nil, err
	}
	var creds *config.Credentials
	if rOpts.secretFile != "" {
		creds, err = config.CredentialsLoadFile(rOpts.secretFile)
	} else {
		creds, err = config.CredentialsLoadEnv(rOpts.secretEnv)
	}
	if err != nil {
		return nil, nil, err
	}
	dockerCreds, err := config.DockerLoad("")
	if err != nil {
		rOpts.log.WithFields(logrus.Fields{
			"err": err,
		}).Warn("Docker config not loaded")
	}
	rOpts.log.WithFields(logrus.Fields{
		"images":       len(conf.Images),
		"destinations": len(conf.DestinationRegistries),
		"registries":   creds.Names(),
	}).Debug("Loaded configuration")

	var closer io.Closer = nopCloser{}
	opts := []mirror.Opt{
		mirror.WithLog(rOpts.log),
		mirror.WithCredentials(creds),
		mirror.WithDockerCreds(dockerCreds),
	}
	if withEngine {
		eng := rOpts.engine
		if eng == nil {
			de, err := docker.New(
				docker.WithHost(rOpts.dockerHost),
				docker.WithLog(rOpts.log),
				docker.WithAuthFunc(func(registry string) (config.Auth, bool) {
					return config.EngineAuth(creds, dockerCreds, registry)
				}),
			)
			if err != nil {
				return nil, nil, err
			}
			eng = de
			closer = de
		}
		opts = append(opts, mirror.WithEngine(eng))
	}
	opts = append(opts, rOpts.mirrorOpts...)
	m, err := mirror.New(conf, opts...)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return m, closer, nil
}

func (rOpts *rootOpts) logErr(err error) error {
	rOpts.log.WithFields(logrus.Fields{
		"err": err,
	}).Error("Failed")
	return err
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
