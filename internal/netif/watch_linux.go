//go:build linux

package netif

import (
	"context"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// netlinkWatcher listens on a NETLINK_ROUTE socket for link and IPv4
// address changes.
type netlinkWatcher struct {
	cfg    Config
	fd     int
	events chan Event
}

func newPlatformWatcher(cfg Config) (Watcher, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		// Containers without netlink access still get change detection.
		return newPollingWatcher(cfg), nil
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR,
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return newPollingWatcher(cfg), nil
	}

	return &netlinkWatcher{
		cfg:    cfg,
		fd:     fd,
		events: make(chan Event, 16),
	}, nil
}

func (w *netlinkWatcher) Start(ctx context.Context) (<-chan Event, error) {
	// Receive timeout lets the read loop notice cancellation.
	tv := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(w.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return nil, err
	}
	go w.readLoop(ctx)
	return NewDebouncer(w.events, w.cfg.DebounceInterval).Run(ctx), nil
}

func (w *netlinkWatcher) readLoop(ctx context.Context) {
	defer close(w.events)

	buf := make([]byte, 8192)
	for {
		if ctx.Err() != nil {
			return
		}

		n, _, err := unix.Recvfrom(w.fd, buf, 0)
		if err != nil {
			//nolint:errorlint // unix errnos are compared directly
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				continue
			}
			return
		}

		msgs, err := syscall.ParseNetlinkMessage(buf[:n])
		if err != nil {
			continue
		}
		for i := range msgs {
			e, ok := w.parse(&msgs[i])
			if !ok || (e.Interface != "" && ignored(e.Interface, w.cfg.IgnoreInterfaces)) {
				continue
			}
			select {
			case w.events <- e:
			default:
			}
		}
	}
}

func (w *netlinkWatcher) parse(msg *syscall.NetlinkMessage) (Event, bool) {
	e := Event{Timestamp: time.Now()}
	var nameAttr uint16
	switch msg.Header.Type {
	case syscall.RTM_NEWADDR:
		e.Type, nameAttr = ChangeAddressAdded, syscall.IFA_LABEL
	case syscall.RTM_DELADDR:
		e.Type, nameAttr = ChangeAddressRemoved, syscall.IFA_LABEL
	case syscall.RTM_NEWLINK:
		e.Type, nameAttr = ChangeInterfaceUp, syscall.IFLA_IFNAME
	case syscall.RTM_DELLINK:
		e.Type, nameAttr = ChangeInterfaceDown, syscall.IFLA_IFNAME
	default:
		return e, false
	}

	attrs, err := syscall.ParseNetlinkRouteAttr(msg)
	if err != nil {
		return e, true
	}
	for _, attr := range attrs {
		if attr.Attr.Type == nameAttr && len(attr.Value) > 0 {
			e.Interface = string(attr.Value[:len(attr.Value)-1])
			break
		}
	}
	return e, true
}

func (w *netlinkWatcher) Close() error {
	return unix.Close(w.fd)
}
