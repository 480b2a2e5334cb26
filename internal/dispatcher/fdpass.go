package dispatcher

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// sendConn hands an already-authenticated client connection to a
// worker process over its local control socket, by passing the
// connection's file descriptor as SCM_RIGHTS ancillary data alongside
// one line naming the session so the worker can label it in logs.
// Grounded on the fd-handoff technique in the pack's pop3d subprocess
// dispatcher, adapted from exec.Cmd.ExtraFiles (fork-time handoff) to
// a running process reached over a unix socket (handoff to a reused,
// already-spawned worker).
func sendConn(sockPath string, conn net.Conn, label string) error {
	tcpConn, ok := conn.(interface{ File() (*os.File, error) })
	if !ok {
		return fmt.Errorf("dispatcher: connection type %T cannot be passed by fd", conn)
	}
	f, err := tcpConn.File()
	if err != nil {
		return fmt.Errorf("dispatcher: dup connection fd: %w", err)
	}
	defer f.Close()

	raddr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		return err
	}
	ctrl, err := net.DialUnix("unix", nil, raddr)
	if err != nil {
		return fmt.Errorf("dispatcher: dial worker control socket: %w", err)
	}
	defer ctrl.Close()

	rights := unix.UnixRights(int(f.Fd()))
	if _, _, err := ctrl.WriteMsgUnix([]byte(label+"\n"), rights, nil); err != nil {
		return fmt.Errorf("dispatcher: send fd to worker: %w", err)
	}
	return nil
}
