//go:build unix

package sockerr

import "golang.org/x/sys/unix"

const (
	errEADDRNOTAVAIL = unix.EADDRNOTAVAIL
	errEADDRINUSE    = unix.EADDRINUSE
	errECONNABORTED  = unix.ECONNABORTED
	errECONNREFUSED  = unix.ECONNREFUSED
	errECONNRESET    = unix.ECONNRESET
	errEHOSTUNREACH  = unix.EHOSTUNREACH
	errENETUNREACH   = unix.ENETUNREACH
	errENOENT        = unix.ENOENT
	errENOTCONN      = unix.ENOTCONN
	errEPIPE         = unix.EPIPE
	errETIMEDOUT     = unix.ETIMEDOUT
)
