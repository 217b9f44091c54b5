package transport

import "golang.org/x/sys/unix"

// A reset peer must surface as EPIPE, not kill the process with SIGPIPE.
const sendFlags = unix.MSG_NOSIGNAL
