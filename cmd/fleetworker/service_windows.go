//go:build windows

package main

import (
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/windows/svc"

	"github.com/fleetworker/agent/pkg/log"
)

const windowsServiceName = "DeadlineWorker"

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "run the worker agent under the Windows Service Control Manager",
	RunE:  runService,
}

// winService adapts runDaemon to svc.Handler, mirroring win_service.py's
// WorkerAgentWindowsService: Execute runs the same entrypoint the
// foreground CLI loop runs. On an SCM stop or shutdown request it reports
// StopPending, waits up to 30 seconds for runDaemon to return, then reports
// Stopped; it does not itself signal the daemon to drain.
type winService struct {
	cmd  *cobra.Command
	args []string
}

func (s *winService) Execute(args []string, r <-chan svc.ChangeRequest, statusCh chan<- svc.Status) (bool, uint32) {
	statusCh <- svc.Status{State: svc.StartPending}
	done := make(chan error, 1)
	go func() { done <- runDaemon(s.cmd, s.args) }()

	statusCh <- svc.Status{State: svc.Running, Accepts: svc.AcceptStop | svc.AcceptShutdown}
	for {
		select {
		case err := <-done:
			if err != nil {
				log.WithComponent("service").Error().Err(err).Msg("worker daemon exited with error")
			}
			statusCh <- svc.Status{State: svc.Stopped}
			return false, 0
		case req := <-r:
			switch req.Cmd {
			case svc.Stop, svc.Shutdown:
				statusCh <- svc.Status{State: svc.StopPending}
				// Nothing here signals runDaemon to drain; wait up to 30
				// seconds for it to return before reporting stopped
				// regardless.
				select {
				case err := <-done:
					if err != nil {
						log.WithComponent("service").Error().Err(err).Msg("worker daemon exited with error")
					}
				case <-time.After(30 * time.Second):
				}
				statusCh <- svc.Status{State: svc.Stopped}
				return false, 0
			case svc.Interrogate:
				statusCh <- req.CurrentStatus
			}
		}
	}
}

func runService(cmd *cobra.Command, args []string) error {
	return svc.Run(windowsServiceName, &winService{cmd: cmd, args: args})
}

func init() {
	rootCmd.AddCommand(serviceCmd)
}
