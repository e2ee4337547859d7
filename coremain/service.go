package coremain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pmkol/replaycache/mlog"
	"github.com/pmkol/replaycache/pkg/safe_close"
)

var svcCfg = &service.Config{
	Name:        "replaycache",
	DisplayName: "replaycache",
	Description: "Replay detection cache for mix relays.",
}

var svc service.Service

type serverService struct {
	f  *serverFlags
	sc *safe_close.SafeClose

	exited chan struct{}
}

func newServerService(f *serverFlags) *serverService {
	return &serverService{f: f, sc: safe_close.NewSafeClose(), exited: make(chan struct{})}
}

func (ss *serverService) Start(s service.Service) error {
	go func() {
		defer close(ss.exited)
		if err := StartServer(ss.f, ss.sc); err != nil {
			mlog.L().Error("server exited", zap.Error(err))
			os.Exit(1)
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	ss.sc.SendCloseSignal(nil)
	<-ss.exited
	return nil
}

func initService(_ *cobra.Command, _ []string) error {
	s, err := service.New(newServerService(new(serverFlags)), svcCfg)
	if err != nil {
		return fmt.Errorf("cannot init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install replaycache as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sf.dir) == 0 {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get current working dir, %w", err)
				}
				sf.dir = wd
			}
			absDir, err := filepath.Abs(sf.dir)
			if err != nil {
				return fmt.Errorf("cannot solve absolute working dir, %w", err)
			}
			svcCfg.Arguments = []string{"start", "--as-service", "-d", absDir}
			if len(sf.c) > 0 {
				svcCfg.Arguments = append(svcCfg.Arguments, "-c", sf.c)
			}

			s, err := service.New(newServerService(sf), svcCfg)
			if err != nil {
				return fmt.Errorf("cannot init service, %w", err)
			}
			return s.Install()
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	c.Flags().StringVarP(&sf.dir, "dir", "d", "", "working dir")
	c.Flags().StringVarP(&sf.c, "config", "c", "", "config file")
	return c
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "uninstall",
		Short:        "Uninstall the replaycache service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Uninstall() },
		SilenceUsage: true,
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "start",
		Short:        "Start the replaycache service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Start() },
		SilenceUsage: true,
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "stop",
		Short:        "Stop the replaycache service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Stop() },
		SilenceUsage: true,
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "restart",
		Short:        "Restart the replaycache service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Restart() },
		SilenceUsage: true,
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the replaycache service status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				if errors.Is(err, service.ErrNotInstalled) {
					fmt.Fprintln(cmd.OutOrStdout(), "not installed")
					return nil
				}
				return fmt.Errorf("cannot get service status, %w", err)
			}
			var out string
			switch s {
			case service.StatusRunning:
				out = "running"
			case service.StatusStopped:
				out = "stopped"
			default:
				out = "unknown"
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
		SilenceUsage: true,
	}
}
