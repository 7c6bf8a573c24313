/** Copyright 2022-2024 The dxgvmbus Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package memory

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// RecvFileDescriptor receives one file descriptor over the unix socket
// via SCM_RIGHTS. The bus hands over the IO-space window this way during
// version negotiation.
func RecvFileDescriptor(conn *net.UnixConn) (int, error) {
	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 1)
	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, errors.Wrap(err, "failed to receive file descriptor")
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, errors.Wrap(err, "failed to parse control message")
	}
	if len(msgs) != 1 {
		return -1, errors.Errorf("expected 1 control message, got %d", len(msgs))
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, errors.Wrap(err, "failed to parse SCM_RIGHTS message")
	}
	if len(fds) != 1 {
		return -1, errors.Errorf("expected 1 file descriptor, got %d", len(fds))
	}
	return fds[0], nil
}

// SendFileDescriptor sends one file descriptor over the unix socket via
// SCM_RIGHTS.
func SendFileDescriptor(conn *net.UnixConn, fd int) error {
	oob := unix.UnixRights(fd)
	_, _, err := conn.WriteMsgUnix([]byte{0}, oob, nil)
	return errors.Wrap(err, "failed to send file descriptor")
}
