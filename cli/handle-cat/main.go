package main

import (
	"os"
	"os/exec"

	"github.com/sagernet/sing-handle/common/eventloop"
	"github.com/sagernet/sing-handle/stream"

	"github.com/sagernet/sing/common/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logger = log.NewLogger("handle-cat")

func main() {
	command := &cobra.Command{
		Use:   "handle-cat <command> [args...]",
		Short: "Bridge the terminal to a child process through a handle stream",
		Args:  cobra.MinimumNArgs(1),
		Run:   run,
	}
	command.Flags().SetInterspersed(false)
	if err := command.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) {
	child := exec.Command(args[0], args[1:]...)
	stdin, err := child.StdinPipe()
	if err != nil {
		logger.Fatal(err)
	}
	stdout, err := child.StdoutPipe()
	if err != nil {
		logger.Fatal(err)
	}
	stderr, err := child.StderrPipe()
	if err != nil {
		logger.Fatal(err)
	}
	if err = child.Start(); err != nil {
		logger.Fatal(err)
	}

	loop := eventloop.New()
	defer loop.Close()
	closed := make(chan error, 1)
	var s *stream.Stream
	loop.Sync(func() {
		s = stream.New(loop, stream.Options{
			Send:   stdin,
			Recv:   stdout,
			Diag:   stderr,
			Plug:   &catPlug{closed: closed},
			Logger: logger,
		})
		if info := s.PeerInfo(); info != "" {
			logger.Info("peer: ", info)
		}
	})
	go forwardStdin(loop, s)

	err = <-closed
	loop.Sync(func() {
		s.Close()
	})
	child.Wait()
	if err != nil {
		logger.Fatal(err)
	}
}

type catPlug struct {
	closed chan error
}

func (p *catPlug) Closing(err error) {
	p.closed <- err
}

func (p *catPlug) Receive(data []byte) {
	os.Stdout.Write(data)
}

func (p *catPlug) Sent(backlog int) {
}

func forwardStdin(loop *eventloop.Loop, s *stream.Stream) {
	buffer := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buffer)
		if n > 0 {
			data := append([]byte(nil), buffer[:n]...)
			loop.Sync(func() {
				s.Write(data)
			})
		}
		if err != nil {
			loop.Sync(func() {
				s.WriteEOF()
			})
			return
		}
	}
}
