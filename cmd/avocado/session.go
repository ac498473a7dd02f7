// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/config"
	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/selfupdate"
	"github.com/avocado-linux/avocado-cli/internal/session"
	"github.com/avocado-linux/avocado-cli/internal/signing"
)

const updateCheckTimeout = 2 * time.Second

func (a *app) sessionOptions(runtime string) session.Options {
	lo, hi := a.settings.NFSPorts()
	return session.Options{
		ConfigPath:        a.configPath,
		Target:            a.target,
		Runtime:           runtime,
		UserDefaultTarget: a.settings.DefaultTarget,
		Verbose:           a.verbose,
		Force:             a.force,
		NoStamps:          a.noStamps,
		RunsOn:            a.runsOn,
		NFSPort:           a.nfsPort,
		NFSPortMin:        lo,
		NFSPortMax:        hi,
		SDKArch:           a.sdkArch,
		ContainerArgs:     a.containerArgs,
		DnfArgs:           a.dnfArgs,
		CLIVersion:        Version,
		LookupEnv:         a.lookupEnv,
		Stdin:             a.stdin,
		Stdout:            a.stdout,
		Stderr:            a.stderr,
	}
}

// load composes the project without touching the container engine. List
// and deps commands stop here.
func (a *app) load(runtime string) (*session.Session, error) {
	return session.Load(a.sessionOptions(runtime))
}

func (a *app) engine() (container.Engine, error) {
	return a.newEngine(container.EngineType(a.settings.ContainerEngine))
}

// withSession loads the project, connects it to the container engine (or
// the --runs-on host) and runs fn. The remote context is torn down even
// when fn fails or the command is interrupted.
func (a *app) withSession(ctx context.Context, runtime string, fn func(*session.Session) error, runnerOpts ...container.RunnerOption) (err error) {
	s, err := a.load(runtime)
	if err != nil {
		return err
	}
	engine, err := a.engine()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(context.WithoutCancel(ctx)); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	if err := s.Connect(ctx, engine, runnerOpts...); err != nil {
		return err
	}
	return fn(s)
}

// openRegistry opens the signing key registry selected by the environment
// and settings.
func (a *app) openRegistry() (*signing.Registry, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	return signing.OpenRegistry(signing.Dir(a.lookupEnv, a.settings.Signing.KeysDir, dir))
}

func (a *app) updater() *selfupdate.Updater {
	var opts []selfupdate.ClientOption
	if token, ok := a.lookupEnv("GITHUB_TOKEN"); ok && token != "" {
		opts = append(opts, selfupdate.WithToken(token))
	}
	opts = append(opts, selfupdate.WithUserAgent("avocado/"+Version))
	return selfupdate.New(Version, selfupdate.WithClient(selfupdate.NewClient(opts...)))
}

// notifyUpdate prints a one-line notice when update.check is on and a newer
// release exists. Failures are only logged; they never fail the command.
func (a *app) notifyUpdate(ctx context.Context) {
	if a.settings == nil || !a.settings.Update.Check || Version == "dev" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, updateCheckTimeout)
	defer cancel()
	status, err := a.updater().Check(ctx, "")
	if err != nil {
		log.Debug("release check failed", "err", err)
		return
	}
	if status.Available {
		a.info("avocado %s is available (running %s); run 'avocado upgrade'", status.Release.Tag, status.Current)
	}
}
