package main

import (
	"fmt"

	"github.com/ja7ad/gmr/pkg/mutex"
	"github.com/ja7ad/gmr/pkg/rma"
)

func iovMethodName(m rma.IOVMethod) string {
	switch m {
	case rma.IOVAuto:
		return "auto"
	case rma.IOVSafe:
		return "safe"
	case rma.IOVOneLock:
		return "onelock"
	case rma.IOVDtype:
		return "dtype"
	default:
		return fmt.Sprintf("unknown(%d)", m)
	}
}

func stridedMethodName(m rma.StridedMethod) string {
	switch m {
	case rma.StridedAuto:
		return "auto"
	case rma.StridedDirect:
		return "direct"
	case rma.StridedIOV:
		return "iov"
	default:
		return fmt.Sprintf("unknown(%d)", m)
	}
}

func mutexBackendName(b mutex.Backend) string {
	switch b {
	case mutex.Spinning:
		return "spinning"
	case mutex.Queue:
		return "queue"
	default:
		return fmt.Sprintf("unknown(%d)", b)
	}
}
